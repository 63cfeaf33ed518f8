/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Command callmesh is a terminal client for a callmesh signaling server.
//
// Usage:
//
//	callmesh [-config config.yaml] <command> [args]
//
// Commands:
//
//	call <user>              call a user and stay on the line until interrupted
//	listen                   accept incoming calls until interrupted
//	join <room> [password]   join a room until interrupted
//	create <room> <name>     create a room over REST
//	rooms                    list rooms
//	invite <room> [name]     print a guest token for a room you created
//	guest <token>            join a room with a guest token
//	history [max]            list your call history
//	outbox                   list history records that failed to submit
//	replay                   resubmit the outbox
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/tejzpr/callmesh"
	"github.com/tejzpr/callmesh/calling"
	"github.com/tejzpr/callmesh/config"
	"github.com/tejzpr/callmesh/guest"
	"github.com/tejzpr/callmesh/logger"
	"github.com/tejzpr/callmesh/outbox"
	"github.com/tejzpr/callmesh/roomcall"
	"github.com/tejzpr/callmesh/rooms"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config (overrides CONFIG_PATH)")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: callmesh [-config path] <call|listen|join|create|rooms|invite|guest|history|outbox|replay> [args]")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if *configPath != "" {
		os.Setenv("CONFIG_PATH", *configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	lg := logger.Init(cfg.LoggerConfig())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "callmesh: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, lg *slog.Logger, cmd string, args []string) error {
	pl := logger.Printf(lg)

	// Guests have no user token.
	if cmd == "guest" {
		if len(args) != 1 {
			return errors.New("usage: guest <token>")
		}
		return runGuest(ctx, cfg, pl, args[0])
	}

	if cfg.Client.UserID == "" || cfg.Client.Token == "" {
		return errors.New("client.userId and client.token are required (CALLMESH_USER_ID, CALLMESH_TOKEN)")
	}

	box, err := outbox.Open(cfg.Client.OutboxPath)
	if err != nil {
		return fmt.Errorf("opening outbox: %w", err)
	}
	defer box.Close()

	client, err := callmesh.NewClient(cfg.Client.UserID, cfg.Client.Token, &callmesh.Config{
		REST:      cfg.RESTConfig(pl),
		Transport: cfg.TransportConfig(pl),
		Calling:   &calling.Config{RequestTimeout: cfg.Client.RequestTimeout},
		Rooms:     &rooms.Config{RequestTimeout: cfg.Client.RequestTimeout},
		Outbox:    box,
		Logger:    pl,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	switch cmd {
	case "call":
		if len(args) != 1 {
			return errors.New("usage: call <user>")
		}
		return runCall(ctx, client, args[0])
	case "listen":
		return runListen(ctx, client)
	case "join":
		if len(args) < 1 || len(args) > 2 {
			return errors.New("usage: join <room> [password]")
		}
		password := ""
		if len(args) == 2 {
			password = args[1]
		}
		return runJoin(ctx, client, args[0], password)
	case "create":
		if len(args) != 2 {
			return errors.New("usage: create <room> <name>")
		}
		room, err := client.Rooms().Create(ctx, &rooms.Room{ID: args[0], Name: args[1]})
		if err != nil {
			return err
		}
		fmt.Printf("created room %s (%s)\n", room.ID, room.Name)
		return nil
	case "rooms":
		return listRooms(ctx, client)
	case "invite":
		if len(args) < 1 || len(args) > 2 {
			return errors.New("usage: invite <room> [name]")
		}
		opts := &rooms.InviteOptions{}
		if len(args) == 2 {
			opts.Name = args[1]
		}
		invite, err := client.Rooms().CreateInvite(ctx, args[0], opts)
		if err != nil {
			return err
		}
		fmt.Println(invite.Token)
		return nil
	case "history":
		max := 20
		if len(args) == 1 {
			if max, err = strconv.Atoi(args[0]); err != nil {
				return fmt.Errorf("invalid max: %w", err)
			}
		}
		return listHistory(ctx, client, max)
	case "outbox":
		return listOutbox(ctx, box)
	case "replay":
		sent, err := box.Replay(ctx, client.Calling().History())
		fmt.Printf("resubmitted %d record(s)\n", sent)
		return err
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printStatus(data interface{}) {
	switch s := data.(type) {
	case calling.Session:
		fmt.Printf("[call] %s %s %s\n", s.Status, s.Direction, s.PeerID)
	case roomcall.Session:
		fmt.Printf("[room] %s %s members=%v\n", s.Status, s.RoomID, s.Members)
	case guest.Snapshot:
		fmt.Printf("[guest] %s %s members=%v\n", s.Status, s.RoomID, s.Members)
	}
}

func printError(data interface{}) { fmt.Printf("[error] %v\n", data) }

func runCall(ctx context.Context, client *callmesh.Client, peer string) error {
	done := make(chan struct{}, 1)
	client.Calls().On(calling.EventStatus, func(data interface{}) {
		printStatus(data)
		if s, ok := data.(calling.Session); ok && s.Status.Terminal() {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	client.Calls().On(calling.EventError, printError)

	if err := client.Connect(ctx); err != nil {
		return err
	}
	if err := client.Calls().StartCall(peer); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return client.Calls().StopCall("")
	case <-done:
		return nil
	}
}

func runListen(ctx context.Context, client *callmesh.Client) error {
	client.Calls().On(calling.EventStatus, printStatus)
	client.Calls().On(calling.EventError, printError)
	client.Calls().On(calling.EventIncoming, func(data interface{}) {
		s, _ := data.(calling.Session)
		fmt.Printf("[call] incoming from %s, answering\n", s.PeerID)
		if err := client.Calls().AcceptCall(); err != nil {
			fmt.Printf("[error] %v\n", err)
		}
	})
	if err := client.Connect(ctx); err != nil {
		return err
	}
	fmt.Println("listening for calls, Ctrl-C to quit")
	<-ctx.Done()
	return client.Calls().StopCall("")
}

func runJoin(ctx context.Context, client *callmesh.Client, roomID, password string) error {
	client.RoomCalls().On(roomcall.EventStatus, printStatus)
	client.RoomCalls().On(roomcall.EventError, printError)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	if err := client.RoomCalls().JoinRoom(roomID, password); err != nil {
		return err
	}
	<-ctx.Done()
	if err := client.RoomCalls().LeaveRoom(); err != nil && !errors.Is(err, roomcall.ErrNotInRoom) {
		return err
	}
	return nil
}

func runGuest(ctx context.Context, cfg *config.Config, pl *logger.PrintfLogger, token string) error {
	session, err := callmesh.NewGuestSession(token, &callmesh.Config{
		Transport: cfg.TransportConfig(pl),
		Logger:    pl,
	})
	if err != nil {
		return err
	}
	session.On(guest.EventStatus, printStatus)
	session.On(guest.EventError, printError)
	if err := session.Join(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	session.Leave()
	return nil
}

func listRooms(ctx context.Context, client *callmesh.Client) error {
	page, err := client.Rooms().List(ctx, nil)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPRIVATE\tMEMBERS\tCREATOR")
	for _, r := range page.Items {
		fmt.Fprintf(w, "%s\t%s\t%v\t%d/%d\t%s\n", r.ID, r.Name, r.IsPrivate, r.MemberCount, r.Capacity, r.CreatorID)
	}
	return w.Flush()
}

func listHistory(ctx context.Context, client *callmesh.Client, max int) error {
	page, err := client.Calling().History().List(ctx, max)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENDED\tDIRECTION\tSTATUS\tWITH\tSECONDS")
	for _, r := range page.Items {
		with := r.PeerID
		if r.RoomID != "" {
			with = "room " + r.RoomID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", r.EndedAt.Local().Format("2006-01-02 15:04"), r.Direction, r.Status, with, r.DurationSeconds)
	}
	return w.Flush()
}

func listOutbox(ctx context.Context, box *outbox.Store) error {
	entries, err := box.Pending(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tFAILED\tATTEMPTS\tCAUSE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", e.Key, e.FailedAt.Local().Format("2006-01-02 15:04"), e.Attempts, e.Cause)
	}
	return w.Flush()
}
