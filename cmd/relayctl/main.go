// Command relayctl is a terminal client for the messenger relay.
//
//	relayctl chat --name alice
//	relayctl deliver --user carol --message "hello from outside"
//	relayctl deliver --error --message "link down"
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v3"

	"github.com/wricardo/messenger-relay/chat/envelope"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdin, os.Stdout).Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(in io.Reader, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "relayctl",
		Usage:     "talk to a messenger relay",
		Writer:    out,
		ErrWriter: os.Stderr,
		Commands: []*cli.Command{
			{
				Name:  "chat",
				Usage: "join the room; stdin lines are sent as messages",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Value: "ws://localhost:8080/socket", Usage: "relay WebSocket URL"},
					&cli.StringFlag{Name: "name", Required: true, Usage: "identity to announce"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runChat(ctx, cmd.String("url"), cmd.String("name"), in, out)
				},
			},
			{
				Name:  "deliver",
				Usage: "post a delivery report as the transport service would",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "api", Value: "http://localhost:8080", Usage: "relay base URL"},
					&cli.StringFlag{Name: "user", Usage: "identity the message is attributed to"},
					&cli.StringFlag{Name: "message", Required: true, Usage: "message text, or the failure reason with --error"},
					&cli.StringFlag{Name: "uid", Usage: "message id (generated when empty)"},
					&cli.BoolFlag{Name: "error", Usage: "report a transport failure instead of a delivery"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					te := envelope.Failure(cmd.String("message"))
					if !cmd.Bool("error") {
						if cmd.String("user") == "" {
							return errors.New("--user is required unless --error is set")
						}
						uid := cmd.String("uid")
						if uid == "" {
							uid = uuid.NewString()
						}
						te = envelope.TransportEnvelope{Data: &envelope.MessageData{
							UID:      uid,
							Message:  cmd.String("message"),
							UserName: cmd.String("user"),
						}}
					}
					return runDeliver(ctx, cmd.String("api"), te, out)
				},
			},
		},
	}
}

// runChat announces name, sends each non-blank line of in as a message and
// prints everything the relay broadcasts until in is exhausted, ctx ends or
// the relay closes the connection.
func runChat(ctx context.Context, url, name string, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	if err := writeEnvelope(conn, envelope.New(envelope.KindConnection, name, "")); err != nil {
		return err
	}

	readErr := make(chan error, 1)
	go func() { readErr <- printInbound(conn, out) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return leave(conn, readErr)
		case err := <-readErr:
			return err
		case line, ok := <-lines:
			if !ok {
				return leave(conn, readErr)
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			env := envelope.New(envelope.KindMessage, name, line)
			env.State = envelope.StateProgress
			if err := writeEnvelope(conn, env); err != nil {
				return err
			}
		}
	}
}

// leave sends a normal close and waits briefly for the relay to answer.
func leave(conn *websocket.Conn, readErr <-chan error) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		return nil
	}
	select {
	case err := <-readErr:
		return err
	case <-time.After(time.Second):
		return nil
	}
}

func writeEnvelope(conn *websocket.Conn, env envelope.Envelope) error {
	frame, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func printInbound(conn *websocket.Conn, out io.Writer) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				if closeErr.Code == websocket.CloseNormalClosure {
					return nil
				}
				return fmt.Errorf("relay closed the connection: %s", closeErr.Text)
			}
			return err
		}

		env, err := envelope.Decode(data)
		if err != nil {
			fmt.Fprintf(out, "? %s\n", data)
			continue
		}
		fmt.Fprintln(out, formatEnvelope(env))
	}
}

func formatEnvelope(env envelope.Envelope) string {
	switch env.Kind {
	case envelope.KindConnection:
		return fmt.Sprintf("* %s joined", env.UserName)
	case envelope.KindClose:
		return fmt.Sprintf("* %s left", env.UserName)
	case envelope.KindError:
		return fmt.Sprintf("! %s", env.Message)
	default:
		return fmt.Sprintf("%s: %s", env.UserName, env.Message)
	}
}

// runDeliver posts te to the relay's delivery endpoint and prints the
// acknowledgement.
func runDeliver(ctx context.Context, apiURL string, te envelope.TransportEnvelope, out io.Writer) error {
	body, err := json.Marshal(te)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(apiURL, "/")+"/api/v1/message", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var ack struct {
		Status      string `json:"status"`
		Description string `json:"description"`
		Delivered   int    `json:"delivered"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("relay rejected the report: %s", ack.Error)
	}

	fmt.Fprintf(out, "%s: %s (%d client(s))\n", ack.Status, ack.Description, ack.Delivered)
	return nil
}
