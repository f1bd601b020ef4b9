package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	webrtcinfra "meshroom/internal/infrastructure/webrtc"
	"meshroom/internal/protocol"
	"meshroom/pkg/client"
	"meshroom/pkg/logger"
	"meshroom/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// meshclient is a headless room participant: it joins a room over the
// signaling channel, negotiates legs like a browser peer and bridges
// chat to the terminal. Useful for probing a deployment by hand.
func main() {
	var (
		serverURL = flag.String("server", "ws://localhost:8080/ws", "signaling websocket URL")
		room      = flag.String("room", "", "room to join")
		user      = flag.String("user", "", "user identifier (generated when empty)")
		logLevel  = flag.String("log-level", "warn", "log level")
	)
	flag.Parse()

	if *room == "" {
		fmt.Fprintln(os.Stderr, "-room is required")
		flag.Usage()
		os.Exit(2)
	}
	if *user == "" {
		*user = utils.GenerateUserID()
	}

	zl, err := logger.New(*logLevel, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer zl.Sync()
	log := zl.Sugar()

	if err := run(*serverURL, *room, *user, log); err != nil {
		log.Fatalw("client failed", "error", err)
	}
}

func run(serverURL, room, user string, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ch, err := client.NewChannel(serverURL, log)
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}

	engine := webrtcinfra.NewEngine(webrtcinfra.EngineConfig{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}, log)

	source := func(screenShare bool) ([]ports.Track, error) {
		prefix := "camera"
		if screenShare {
			prefix = "screen"
		}
		video, err := webrtcinfra.NewStaticTrack(prefix+"-video", user, "video")
		if err != nil {
			return nil, err
		}
		audio, err := webrtcinfra.NewStaticTrack(prefix+"-audio", user, "audio")
		if err != nil {
			return nil, err
		}
		return []ports.Track{video, audio}, nil
	}

	orch := client.NewOrchestrator(ch, engine, source, client.DefaultOptions(), log)
	orch.OnChat(func(unit protocol.ChatUnitData) {
		fmt.Printf("[%s] %s\n", unit.Message.UserID, unit.Message.Text)
	})
	orch.OnHistory(func(messages []protocol.ChatMessage) {
		for _, m := range messages {
			fmt.Printf("(history) [%s] %s\n", m.UserID, m.Text)
		}
	})
	orch.OnRoster(func(muteds []string) {
		fmt.Printf("* muted: %v\n", muteds)
	})
	orch.Speaker().OnElect(func(speaker domain.UserID) {
		if speaker == client.NoSpeaker {
			return
		}
		fmt.Printf("* speaking: %s\n", speaker)
	})

	if err := orch.Join(ctx, domain.RoomID(room), domain.UserID(user)); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	defer orch.Leave()

	fmt.Printf("joined %s as %s. /mute /unmute /history /quit, anything else is chat.\n", room, user)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleLine(orch, strings.TrimSpace(line)); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		}
	}
}

var errQuit = errors.New("quit")

func handleLine(orch *client.Orchestrator, line string) error {
	switch {
	case line == "":
		return nil
	case line == "/quit":
		return errQuit
	case line == "/mute":
		return orch.Mute(true)
	case line == "/unmute":
		return orch.Mute(false)
	case line == "/history":
		return orch.RequestChatHistory(0, 20)
	default:
		return orch.SendChat(line)
	}
}
