package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/feedrelay/internal/event"
)

func tailCmd() *cobra.Command {
	var (
		wsURL   string
		origin  string
		session string
		raw     bool
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print realtime events as they are pushed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if origin == "" && len(cfg.Realtime.AllowedOrigins) > 0 {
				origin = cfg.Realtime.AllowedOrigins[0]
			}

			header := http.Header{}
			header.Set("Origin", origin)
			if session != "" {
				header.Set("Cookie", (&http.Cookie{Name: cfg.Session.Cookie, Value: session}).String())
			}

			dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
			conn, resp, err := dialer.DialContext(cmd.Context(), wsURL, header)
			if err != nil {
				if resp != nil {
					return fmt.Errorf("dial %s: %s: %w", wsURL, resp.Status, err)
				}
				return fmt.Errorf("dial %s: %w", wsURL, err)
			}
			defer conn.Close()
			logger.Info("connected", zap.String("url", wsURL), zap.String("origin", origin))

			go func() {
				<-cmd.Context().Done()
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				_ = conn.Close()
			}()

			enc := json.NewEncoder(os.Stdout)
			for {
				_, payload, err := conn.ReadMessage()
				if err != nil {
					if cmd.Context().Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
						return nil
					}
					if websocket.IsCloseError(err, websocket.CloseGoingAway) {
						logger.Info("server is shutting down")
						return nil
					}
					return fmt.Errorf("read: %w", err)
				}

				if raw {
					fmt.Println(string(payload))
					continue
				}
				e, err := event.Unmarshal(payload)
				if err != nil {
					logger.Warn("undecodable frame", zap.ByteString("frame", payload), zap.Error(err))
					continue
				}
				if err := enc.Encode(describeEvent(e)); err != nil {
					return err
				}
			}
		},
	}

	cmd.Flags().StringVar(&wsURL, "url", "ws://localhost:8080/ws", "realtime endpoint")
	cmd.Flags().StringVar(&origin, "origin", "", "Origin header (default: first allowed origin)")
	cmd.Flags().StringVar(&session, "session", "", "session token sent as the session cookie")
	cmd.Flags().BoolVar(&raw, "raw", false, "print frames as received")

	return cmd
}

type eventLine struct {
	At     string      `json:"at"`
	Type   event.Type  `json:"type"`
	PostID string      `json:"postId"`
	Event  event.Event `json:"event,omitempty"`
}

func describeEvent(e event.Event) eventLine {
	line := eventLine{
		At:     time.Now().Format(time.RFC3339Nano),
		Type:   e.Type(),
		PostID: e.PostID(),
	}
	if _, ok := e.(event.PostDeleted); !ok {
		line.Event = e
	}
	return line
}
