// Command leafctl is a small client for a leafai server.
//
//	leafctl session -workspace ws1
//	leafctl send -session cs_... [-m "message"]
//	leafctl attach -run run_... [-from 3] [-ws]
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/jorgeraad/leafai/internal/domain"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: leafctl <session|send|attach> [flags]")
	os.Exit(2)
}

func main() {
	log.SetFlags(log.Ltime)
	if len(os.Args) < 2 {
		usage()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "leafai server address")
	user := fs.String("user", os.Getenv("LEAF_USER_ID"), "user id sent in the X-User-ID header")
	token := fs.String("token", os.Getenv("LEAF_TOKEN"), "bearer token")

	var err error
	switch cmd {
	case "session":
		workspace := fs.String("workspace", "", "workspace id")
		title := fs.String("title", "", "session title")
		fs.Parse(args)
		err = createSession(ctx, NewClient(*addr, *user, *token), *workspace, *title)
	case "send":
		session := fs.String("session", "", "chat session id")
		message := fs.String("m", "", "message to send; reads lines from stdin when empty")
		fs.Parse(args)
		err = send(ctx, NewClient(*addr, *user, *token), *session, *message)
	case "attach":
		run := fs.String("run", "", "run id")
		from := fs.Int("from", 0, "event index to start from")
		useWS := fs.Bool("ws", false, "attach over WebSocket instead of the event stream")
		fs.Parse(args)
		err = attach(ctx, NewClient(*addr, *user, *token), *run, *from, *useWS)
	default:
		usage()
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func createSession(ctx context.Context, c *Client, workspace, title string) error {
	if workspace == "" {
		return fmt.Errorf("-workspace is required")
	}
	cs, err := c.CreateSession(ctx, workspace, title)
	if err != nil {
		return err
	}
	fmt.Println(cs.ID)
	return nil
}

func send(ctx context.Context, c *Client, session, message string) error {
	if session == "" {
		return fmt.Errorf("-session is required")
	}
	if message != "" {
		return sendOne(ctx, c, session, message)
	}

	fmt.Println("Type a message and press Enter to send. /quit to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "/quit":
			return nil
		}
		if err := sendOne(ctx, c, session, input); err != nil {
			log.Printf("Send error: %v", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func sendOne(ctx context.Context, c *Client, session, message string) error {
	runID, err := c.Send(ctx, session, message, printEvent)
	fmt.Println()
	if runID != "" {
		fmt.Fprintf(os.Stderr, "(run %s)\n", runID)
	}
	return err
}

func attach(ctx context.Context, c *Client, run string, from int, useWS bool) error {
	if run == "" {
		return fmt.Errorf("-run is required")
	}
	var err error
	if useWS {
		err = c.AttachWS(ctx, run, from, printEvent)
	} else {
		err = c.Attach(ctx, run, from, printEvent)
	}
	fmt.Println()
	return err
}

func printEvent(ev domain.Event) {
	switch e := ev.(type) {
	case domain.TextDelta:
		fmt.Print(e.Text)
	case domain.ToolCall:
		fmt.Printf("\n[tool-call %s %s]\n", e.ToolName, e.Args)
	case domain.ToolResult:
		fmt.Printf("[tool-result %s %s]\n", e.ToolCallID, e.Result)
	case domain.ErrorEvent:
		fmt.Printf("\n[error] %s\n", e.Message)
	}
}
