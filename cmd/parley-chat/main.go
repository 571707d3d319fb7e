// ABOUTME: Terminal chat client for the parley gateway, built on the reconnection engine.
// ABOUTME: Usage: parley-chat [-url ws://localhost:8080/ws] [-session my-session]

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/client"
	"github.com/parleyhq/parley/internal/protocol"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "Gateway WebSocket URL")
	session := flag.String("session", "", "Session id (defaults to a fresh UUID)")
	verbose := flag.Bool("v", false, "Show heartbeat and typing envelopes")
	flag.Parse()

	if *session == "" {
		*session = uuid.New().String()
	}

	if err := run(*url, *session, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(url, session string, verbose bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	engine, err := client.New(client.Config{URL: url, SessionID: session}, logger)
	if err != nil {
		return err
	}
	if err := engine.Connect(ctx); err != nil {
		return err
	}
	defer engine.Disconnect()

	gray := color.New(color.FgHiBlack)
	gray.Printf("session %s, connecting to %s\n", session, url)

	go consume(engine, verbose)

	// Read lines from stdin and send them as chat turns. The engine rejects
	// sends while reconnecting; surface that instead of queueing.
	scanner := bufio.NewScanner(os.Stdin)
	prompt := color.New(color.FgCyan)
	for {
		prompt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return nil
		}

		if err := engine.Send(line, nil); err != nil {
			color.Yellow("not delivered: %v", err)
		}
	}
}

// consume drains the engine's three delivery channels and renders them.
func consume(engine *client.Engine, verbose bool) {
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	for {
		select {
		case env, ok := <-engine.Messages():
			if !ok {
				return
			}
			renderEnvelope(env, green, gray, verbose)

		case err, ok := <-engine.Errors():
			if !ok {
				return
			}
			color.Red("engine error: %v", err)

		case state, ok := <-engine.Status():
			if !ok {
				return
			}
			gray.Printf("[%s]\n", state)
		}
	}
}

func renderEnvelope(env *protocol.Envelope, green, gray *color.Color, verbose bool) {
	switch env.Type {
	case protocol.TypeAgentResponse:
		response, _ := env.Data["response"].(string)
		green.Printf("agent: ")
		fmt.Println(response)

	case protocol.TypeSystem:
		message, _ := env.Data["message"].(string)
		gray.Printf("system: %s\n", message)

	case protocol.TypeError:
		errMsg, _ := env.Data["error"].(string)
		color.Red("error: %s", errMsg)

	case protocol.TypeHeartbeat, protocol.TypeTyping:
		if verbose {
			gray.Printf("%s: %v\n", env.Type, env.Data)
		}

	case protocol.TypeChat, protocol.TypeConnect, protocol.TypeDisconnect:
		if verbose {
			gray.Printf("%s: %v\n", env.Type, env.Data)
		}
	}
}
