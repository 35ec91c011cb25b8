package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"sketchbook/internal/api"
	"sketchbook/internal/live"
)

func runWatch(_ *cobra.Command, args []string) error {
	u, err := url.Parse(strings.TrimRight(serverURL, "/") + "/live/" + url.PathEscape(args[0]))
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	if apiKey != "" {
		header.Set("X-API-Key", apiKey)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connecting to %s: %s", u, resp.Status)
		}
		return fmt.Errorf("connecting to %s: %w", u, err)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	for {
		var ev live.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading event: %w", err)
		}
		if rawJSON {
			b, _ := json.Marshal(ev)
			fmt.Println(string(b))
		} else {
			printEvent(ev)
		}
		if ev.Type == live.EventServerShutdown {
			return nil
		}
	}
}

func printEvent(ev live.Event) {
	ts := dim.Sprint(ev.Timestamp.Local().Format("15:04:05"))
	switch ev.Type {
	case live.EventConnectionConfirmed:
		fmt.Printf("%s %s\n", ts, info.Sprintf("watching %s", ev.Sketch))
	case live.EventExecutionStarted:
		fmt.Printf("%s %s\n", ts, info.Sprint("running..."))
	case live.EventPreviewUpdated:
		fmt.Printf("%s %s\n", ts, success.Sprintf("✓ v%d: %d page(s) in %.2fs", ev.Version, len(ev.Pages), ev.ExecutionTime))
		for _, p := range ev.Pages {
			fmt.Printf("         %s%s\n", strings.TrimRight(serverURL, "/"), p.URL)
		}
	case live.EventNoPreview:
		fmt.Printf("%s %s\n", ts, warn.Sprint("no preview output"))
	case live.EventExecutionError:
		fmt.Print(ts + " ")
		printFailure(&api.Placeholder{
			Classification: ev.Classification,
			Title:          ev.Title,
			Guidance:       ev.Guidance,
			Message:        ev.Error,
			Details:        ev.Stderr,
		})
	case live.EventServerShutdown:
		fmt.Printf("%s %s\n", ts, warn.Sprint("server shutting down"))
	default:
		fmt.Printf("%s %s\n", ts, ev.Type)
	}
}
