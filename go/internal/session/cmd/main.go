package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/syncparty/go/internal/config"
	"github.com/mcdev12/syncparty/go/internal/locator"
	"github.com/mcdev12/syncparty/go/internal/page"
	"github.com/mcdev12/syncparty/go/internal/room/events"
	"github.com/mcdev12/syncparty/go/internal/room/gateway"
	"github.com/mcdev12/syncparty/go/internal/session"
)

const usage = `usage:
  syncparty control [-room ID] [-rpc http://localhost:8081]
  syncparty player  -room ID -page page.yaml`

func main() {
	cfg := config.Load()
	config.SetupLogging(cfg.LogLevel)

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	mode := os.Args[1]

	fs := flag.NewFlagSet(mode, flag.ExitOnError)
	roomID := fs.String("room", cfg.RoomID, "room id; control mode creates one when empty")
	pagePath := fs.String("page", "", "page fixture to play in (player mode)")
	rpcURL := fs.String("rpc", "", "gateway base URL used by the state command")
	_ = fs.Parse(os.Args[2:])

	if *roomID == "" && mode == "control" {
		id, err := events.NewRoomID()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create room id")
		}
		*roomID = id
		fmt.Printf("created room %s\n", id)
	}
	cfg.RoomID = *roomID
	if err := cfg.ValidateSession(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch mode {
	case "control":
		err = runControl(ctx, cfg, *rpcURL)
	case "player":
		if *pagePath == "" {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		err = runPlayer(ctx, cfg, *pagePath)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("session failed")
	}
}

func newSession(ctx context.Context, cfg config.Config, clock clockwork.Clock) (*session.Controller, func(), error) {
	ch, cleanup, err := openChannel(ctx, cfg, cfg.RoomID, clock)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open room channel: %w", err)
	}

	ctrl := session.New(session.Config{
		RoomID:        cfg.RoomID,
		ParticipantID: cfg.ParticipantID,
		Engine:        cfg.EngineConfig(),
	}, ch, clock)
	ctrl.OnChange(func(s session.State) {
		log.Info().
			Str("room_id", s.RoomID).
			Str("status", s.Status.String()).
			Bool("connected", s.Connected).
			Int("participants", s.ParticipantCount).
			Bool("playing", s.IsPlaying).
			Float64("time", s.CurrentTime).
			Str("last_action", s.LastAction).
			Msg("room state")
	})
	return ctrl, cleanup, nil
}

// runControl is the relay-only control surface
func runControl(ctx context.Context, cfg config.Config, rpcURL string) error {
	clock := clockwork.NewRealClock()
	ctrl, cleanup, err := newSession(ctx, cfg, clock)
	if err != nil {
		return err
	}
	defer cleanup()

	var rpc *gateway.RoomServiceClient
	if rpcURL != "" {
		rpc = gateway.NewRoomServiceClient(http.DefaultClient, rpcURL)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Start(gctx, nil)
	})
	g.Go(func() error {
		return readCommands(gctx, os.Stdin, os.Stdout, func(cmd command) error {
			switch cmd.name {
			case "play":
				ctrl.Play()
			case "pause":
				ctrl.Pause()
			case "seek":
				ctrl.Seek(cmd.arg)
			case "seekby":
				ctrl.SeekBy(cmd.arg)
			case "state":
				printState(gctx, os.Stdout, ctrl.State(), rpc)
			default:
				fmt.Printf("%s is not available in control mode\n", cmd.name)
			}
			return nil
		})
	})
	g.Go(func() error {
		<-gctx.Done()
		return ctrl.Close()
	})
	return g.Wait()
}

// runPlayer runs a playback session inside a page fixture
func runPlayer(ctx context.Context, cfg config.Config, pagePath string) error {
	clock := clockwork.NewRealClock()
	doc, err := page.Load(pagePath, clock)
	if err != nil {
		return err
	}

	ctrl, cleanup, err := newSession(ctx, cfg, clock)
	if err != nil {
		return err
	}
	defer cleanup()

	var (
		videoMu sync.Mutex
		video   *page.Video
	)
	currentVideo := func() *page.Video {
		videoMu.Lock()
		defer videoMu.Unlock()
		return video
	}

	g, gctx := errgroup.WithContext(ctx)
	locate := func(ctx context.Context) (session.Element, error) {
		l := locator.New(doc)
		l.OnStateChange(func(s locator.State) {
			if s == locator.StateAwaitingPick {
				fmt.Println(locator.PickMessage)
				fmt.Println("use: click <node-id>")
			}
		})
		node, err := l.Locate(ctx)
		if err != nil {
			return nil, err
		}
		v, err := doc.Video(node)
		if err != nil {
			return nil, err
		}
		videoMu.Lock()
		video = v
		videoMu.Unlock()
		g.Go(func() error {
			v.Run(gctx)
			return nil
		})
		fmt.Printf("syncing element %s\n", node.ID())
		return v, nil
	}

	g.Go(func() error {
		return ctrl.Start(gctx, locate)
	})
	g.Go(func() error {
		return readCommands(gctx, os.Stdin, os.Stdout, func(cmd command) error {
			if cmd.name == "click" {
				prevented, err := doc.Click(cmd.node)
				if err != nil {
					fmt.Println(err)
				} else if !prevented {
					fmt.Printf("clicked %s\n", cmd.node)
				}
				return nil
			}
			if cmd.name == "state" {
				printState(gctx, os.Stdout, ctrl.State(), nil)
				return nil
			}

			v := currentVideo()
			if v == nil {
				fmt.Println("no media element yet")
				return nil
			}
			// native user actions on the element
			switch cmd.name {
			case "play":
				if err := v.Play(); err != nil {
					fmt.Println(err)
				}
			case "pause":
				v.Pause()
			case "seek":
				v.SetCurrentTime(cmd.arg)
			case "seekby":
				v.SetCurrentTime(v.CurrentTime() + cmd.arg)
			}
			return nil
		})
	})
	g.Go(func() error {
		<-gctx.Done()
		return ctrl.Close()
	})
	return g.Wait()
}

func printState(ctx context.Context, w io.Writer, s session.State, rpc *gateway.RoomServiceClient) {
	fmt.Fprintf(w, "room %s  participant %s  status %s  participants %d  playing %t  time %.2f  last %s  element %t\n",
		s.RoomID, s.ParticipantID, s.Status, s.ParticipantCount, s.IsPlaying, s.CurrentTime, s.LastAction, s.HasElement)
	if rpc == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := rpc.GetRoom(ctx, s.RoomID)
	if err != nil {
		fmt.Fprintf(w, "gateway: %v\n", err)
		return
	}
	fmt.Fprintf(w, "gateway: connections %d  members %d  playing %t  time %.2f  last %s\n",
		res.Connections, len(res.Members), res.State.IsPlaying, res.State.CurrentTime, res.State.LastActionLabel())
}
