// Command backchannel is an interactive terminal client for the remote
// evaluation service, tunneled through a real browser session.
//
// Usage:
//
//	backchannel -url https://service.example [flags]
//
// Flags:
//
//	-url string       Service base URL (or BACKCHANNEL_URL)
//	-model string     Model id or public name (or BACKCHANNEL_MODEL; default: first catalog entry)
//	-modality string  Turn modality: chat, image (default chat)
//	-profile string   Chrome profile dir, persists anti-bot clearance across runs
//	-legacy           Send full-history turn payloads instead of delta payloads
//	-headless         Run Chrome headless
//	-v                Debug logging
//
// Inside the session, lines are sent as user turns. Commands:
//
//	/models           List the remote model catalog
//	/attach <path>    Queue a file attachment for the next turn
//	/quit             Exit
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/jjasinski/backchannel"
	"github.com/jjasinski/backchannel/actions"
	"github.com/jjasinski/backchannel/bridge"
	"github.com/jjasinski/backchannel/browser"
	"github.com/jjasinski/backchannel/chat"
)

// maxRetries bounds automatic turn restarts after recoverable throttling.
const maxRetries = 2

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "backchannel: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		urlFlag  = flag.String("url", os.Getenv("BACKCHANNEL_URL"), "Service base URL")
		model    = flag.String("model", os.Getenv("BACKCHANNEL_MODEL"), "Model id or public name")
		modality = flag.String("modality", "chat", "Turn modality: chat, image")
		profile  = flag.String("profile", "", "Chrome profile dir")
		legacy   = flag.Bool("legacy", false, "Send full-history turn payloads")
		headless = flag.Bool("headless", false, "Run Chrome headless")
		verbose  = flag.Bool("v", false, "Debug logging")
	)
	flag.Parse()

	if *urlFlag == "" {
		return errors.New("no service URL: pass -url or set BACKCHANNEL_URL")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Launch Chrome and wait for the service page (and its anti-bot
	// clearance) to be ready.
	browserOpts := []browser.Option{browser.WithLogger(log)}
	if *headless {
		browserOpts = append(browserOpts, browser.WithHeadless())
	}
	if *profile != "" {
		browserOpts = append(browserOpts, browser.WithUserDataDir(*profile))
	}
	br, err := browser.Launch(ctx, *urlFlag, browserOpts...)
	if err != nil {
		return err
	}
	defer br.Close()

	transport := bridge.New(br, bridge.WithLogger(log))
	clientOpts := []chat.Option{
		chat.WithLogger(log),
		chat.WithAuthRefresher(br.Identity()),
		chat.WithActionResolver(actions.New(transport, *urlFlag, actions.WithLogger(log))),
	}
	if *legacy {
		clientOpts = append(clientOpts, chat.WithProtocol(chat.ProtocolLegacy))
	}
	client := chat.New(transport, *urlFlag, clientOpts...)

	ref, err := resolveModel(ctx, client, *model)
	if err != nil {
		return err
	}
	session := backchannel.NewSession(ref, backchannel.Modality(*modality))
	fmt.Printf("model %s, modality %s\n", ref.Slug, *modality)

	return repl(ctx, client, session)
}

// resolveModel picks the session model from the catalog by id or public
// name, defaulting to the first entry.
func resolveModel(ctx context.Context, client *chat.Client, want string) (backchannel.ModelRef, error) {
	models, err := client.Models(ctx)
	if err != nil {
		return backchannel.ModelRef{}, err
	}
	if len(models) == 0 {
		return backchannel.ModelRef{}, errors.New("empty model catalog")
	}
	if want == "" {
		return models[0].Ref(), nil
	}
	for _, m := range models {
		if m.ID == want || m.PublicName == want {
			return m.Ref(), nil
		}
	}
	return backchannel.ModelRef{}, fmt.Errorf("model %q not in catalog (try /models)", want)
}

func repl(ctx context.Context, client *chat.Client, session *backchannel.Session) error {
	scanner := bufio.NewScanner(os.Stdin)
	var pending []backchannel.Attachment

	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			return nil
		case line == "/models":
			if err := printModels(ctx, client); err != nil {
				fmt.Fprintf(os.Stderr, "backchannel: %v\n", err)
			}
		case strings.HasPrefix(line, "/attach "):
			att, err := attachmentFor(strings.TrimSpace(strings.TrimPrefix(line, "/attach ")))
			if err != nil {
				fmt.Fprintf(os.Stderr, "backchannel: %v\n", err)
				break
			}
			pending = append(pending, att)
			fmt.Printf("attached %s (%s)\n", att.Name, att.ContentType)
		default:
			msg := backchannel.DisplayMessage{
				Role:        backchannel.RoleUser,
				Content:     line,
				Attachments: pending,
			}
			pending = nil
			if err := runTurn(ctx, client, session, msg); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				fmt.Fprintf(os.Stderr, "backchannel: %v\n", err)
			}
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

// runTurn sends one user turn and drains the response, restarting the turn
// when the service signals a recoverable throttle.
func runTurn(ctx context.Context, client *chat.Client, session *backchannel.Session, msg backchannel.DisplayMessage) error {
	stream, err := client.SendTurn(ctx, session, msg)
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		finish, err := drain(stream)
		if err != nil {
			return err
		}
		if finish != backchannel.FinishRetry || attempt >= maxRetries {
			return nil
		}
		stream, err = client.RetryTurn(ctx, session)
		if err != nil {
			return err
		}
	}
}

// drain prints a turn's events until the stream ends, returning the finish
// data of the terminal event if one arrived.
func drain(stream backchannel.TurnStream) (string, error) {
	defer stream.Close()
	finish := ""
	for {
		evt, err := stream.Next()
		if err == io.EOF {
			fmt.Println()
			return finish, nil
		}
		if err != nil {
			return "", err
		}
		switch evt.Code {
		case backchannel.CodeText, backchannel.CodeModerated:
			if s, ok := evt.Data.(string); ok {
				fmt.Print(s)
			}
		case backchannel.CodeMedia:
			fmt.Print("[image received]")
		case backchannel.CodeProviderError:
			fmt.Fprintf(os.Stderr, "\nprovider error: %v\n", evt.Data)
		case backchannel.CodeFinish:
			finish = evt.FinishData()
		}
	}
}

func printModels(ctx context.Context, client *chat.Client) error {
	models, err := client.Models(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		fmt.Printf("%-24s %-20s %s\n", m.PublicName, m.Organization, strings.Join(m.Modalities, ","))
	}
	return nil
}

func attachmentFor(path string) (backchannel.Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return backchannel.Attachment{}, err
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return backchannel.Attachment{
		ContentType: contentType,
		Name:        filepath.Base(path),
		Path:        path,
		Size:        info.Size(),
	}, nil
}
