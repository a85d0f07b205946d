package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docopt/docopt-go"
	"github.com/gorilla/websocket"
)

const Version = "0.1.0"

const DefaultAPIURL = "http://localhost:8787"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime)
}

func usage() string {
	return fmt.Sprintf(
		`Presence and lock inspector for the larptable api.

The default api url is %s.

Usage:
    presencectl token <name> [--role=<role>] [--admin_secret=<secret>] [--api_url=<api_url>]
    presencectl locks <namespace> --token=<token> [--all] [--api_url=<api_url>]
    presencectl watch <namespace> --token=<token> [--events=<events>] [--api_url=<api_url>]
    presencectl join <namespace> --token=<token> [--name=<name>] [--cell=<cell>] [--api_url=<api_url>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --api_url=<api_url>      Gateway base url.
    --role=<role>            viewer, editor or admin [default: editor].
    --admin_secret=<secret>  Shared secret that allows roles above the guest role.
    --token=<token>          Access token from "presencectl token".
    --all                    Include expired locks.
    --events=<events>        Comma separated event types: joined, updated, left.
    --name=<name>            Display name to publish.
    --cell=<cell>            Initially active cell.`,
		DefaultAPIURL,
	)
}

func main() {
	opts, err := docopt.ParseArgs(usage(), os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiURL := DefaultAPIURL
	if value, err := opts.String("--api_url"); err == nil && value != "" {
		apiURL = strings.TrimRight(value, "/")
	}

	switch command(opts) {
	case "token":
		err = token(opts, apiURL)
	case "locks":
		err = locks(opts, apiURL)
	case "watch":
		err = watch(ctx, opts, apiURL)
	case "join":
		err = join(ctx, opts, apiURL)
	}
	if err != nil {
		Err.Fatalf("%v", err)
	}
}

// command names the subcommand docopt matched.
func command(opts docopt.Opts) string {
	for _, name := range []string{"token", "locks", "watch", "join"} {
		if matched, _ := opts.Bool(name); matched {
			return name
		}
	}
	return ""
}

// parseEvents splits a comma separated event type list, dropping blanks.
func parseEvents(value string) []string {
	var eventTypes []string
	for _, eventType := range strings.Split(value, ",") {
		if eventType = strings.TrimSpace(eventType); eventType != "" {
			eventTypes = append(eventTypes, eventType)
		}
	}
	return eventTypes
}

func token(opts docopt.Opts, apiURL string) error {
	name, _ := opts.String("<name>")
	role, _ := opts.String("--role")
	adminSecret, _ := opts.String("--admin_secret")

	body, err := json.Marshal(map[string]string{"name": name, "role": role, "adminSecret": adminSecret})
	if err != nil {
		return err
	}
	resp, err := http.Post(apiURL+"/api/session/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Token       string `json:"token"`
		PresenceKey string `json:"presenceKey"`
		Code        string `json:"code"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login failed: %s %s", result.Code, result.Error)
	}
	Err.Printf("presence key %s", result.PresenceKey)
	Out.Println(result.Token)
	return nil
}

type lock struct {
	UserID     string `json:"userId"`
	AcquiredAt int64  `json:"acquiredAt"`
	Expires    int64  `json:"expires"`
}

func locks(opts docopt.Opts, apiURL string) error {
	namespace, _ := opts.String("<namespace>")
	accessToken, _ := opts.String("--token")
	all, _ := opts.Bool("--all")

	endpoint := apiURL + "/api/namespaces/" + url.PathEscape(namespace) + "/locks"
	if all {
		endpoint += "?all=true"
	}
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("read locks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("read locks: %s", resp.Status)
	}

	var result struct {
		Locks map[string]lock `json:"locks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode locks: %w", err)
	}

	cells := make([]string, 0, len(result.Locks))
	for cell := range result.Locks {
		cells = append(cells, cell)
	}
	sort.Strings(cells)
	now := time.Now().UnixMilli()
	for _, cell := range cells {
		l := result.Locks[cell]
		state := "active"
		if l.Expires <= now {
			state = "expired"
		}
		Out.Printf("%s\t%s\t%s\t%s", cell, l.UserID, time.UnixMilli(l.Expires).Format(time.RFC3339), state)
	}
	return nil
}

type frame struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	Event      json.RawMessage `json:"event,omitempty"`
	Locks      map[string]lock `json:"locks,omitempty"`
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
	RetryCount int             `json:"retryCount,omitempty"`
	UserID     string          `json:"userId,omitempty"`
}

type request struct {
	Type       string   `json:"type"`
	ID         string   `json:"id,omitempty"`
	Name       string   `json:"name,omitempty"`
	Cell       string   `json:"cell,omitempty"`
	EventTypes []string `json:"eventTypes,omitempty"`
}

func wsURL(apiURL, namespace, accessToken string) string {
	base := apiURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/namespaces/" + url.PathEscape(namespace) + "/ws?token=" + url.QueryEscape(accessToken)
}

// watch prints presence events until interrupted, reconnecting with backoff.
func watch(ctx context.Context, opts docopt.Opts, apiURL string) error {
	namespace, _ := opts.String("<namespace>")
	accessToken, _ := opts.String("--token")
	events, _ := opts.String("--events")
	eventTypes := parseEvents(events)

	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(expo, ctx)
	err := backoff.RetryNotify(func() error {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL(apiURL, namespace, accessToken), nil)
		if err != nil {
			return err
		}
		defer conn.Close()
		policy.Reset()

		if len(eventTypes) > 0 {
			if err := conn.WriteJSON(request{Type: "subscribe", ID: "watch", EventTypes: eventTypes}); err != nil {
				return err
			}
		}
		err = pump(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}, policy, func(err error, next time.Duration) {
		Err.Printf("connection lost: %v; retrying in %s", err, next.Round(time.Millisecond))
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// join publishes presence for the token's user until interrupted.
func join(ctx context.Context, opts docopt.Opts, apiURL string) error {
	namespace, _ := opts.String("<namespace>")
	accessToken, _ := opts.String("--token")
	name, _ := opts.String("--name")
	cell, _ := opts.String("--cell")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL(apiURL, namespace, accessToken), nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(request{Type: "register", ID: "join", Name: name, Cell: cell}); err != nil {
		return err
	}
	err = pump(ctx, conn)
	if ctx.Err() != nil {
		_ = conn.WriteJSON(request{Type: "unregister", ID: "leave"})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return nil
	}
	return err
}

// pump prints server frames until the connection fails or ctx is done.
func pump(ctx context.Context, conn *websocket.Conn) error {
	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		switch f.Type {
		case "presence":
			Out.Println(string(f.Event))
		case "locks":
			Out.Printf("locks: %d held", len(f.Locks))
		case "registered":
			Err.Printf("registered as %s", f.UserID)
		case "heartbeatFailed":
			Err.Printf("heartbeat failed after %d retries: %s", f.RetryCount, f.Message)
		case "error":
			Err.Printf("error %s: %s", f.Code, f.Message)
		}
	}
}
