// Command restart_recovery drills the bridge-restart path: prepare seeds
// a store with live-looking sessions and parked permissions, recover
// reopens it the way cmd/haven does at boot and checks that every
// non-terminal session was marked exited with reason bridge_restart and
// that no pending request survived.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/deepfates/haven/internal/persistence"
)

const (
	runningSession  = "11111111-2222-3333-4444-555555555555"
	waitingSession  = "66666666-7777-8888-9999-aaaaaaaaaaaa"
	finishedSession = "bbbbbbbb-cccc-dddd-eeee-ffffffffffff"
)

func main() {
	mode := flag.String("mode", "", "prepare|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		prepare(ctx, store)
	case "recover":
		verifyRecovery(ctx, store)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}

func prepare(ctx context.Context, store *persistence.Store) {
	seed := func(id, title string, to persistence.Status) {
		if err := store.CreateSession(ctx, id, "acp-agent", "/tmp", title); err != nil {
			fmt.Fprintf(os.Stderr, "create session: %v\n", err)
			os.Exit(1)
		}
		if to == persistence.StatusInitializing {
			return
		}
		if err := store.SetStatus(ctx, id, persistence.StatusRunning); err != nil {
			fmt.Fprintf(os.Stderr, "set running: %v\n", err)
			os.Exit(1)
		}
		if to != persistence.StatusRunning {
			if err := store.SetStatus(ctx, id, to); err != nil {
				fmt.Fprintf(os.Stderr, "set %s: %v\n", to, err)
				os.Exit(1)
			}
		}
	}

	seed(runningSession, "running", persistence.StatusRunning)
	seed(waitingSession, "waiting", persistence.StatusWaiting)
	seed(finishedSession, "finished", persistence.StatusCompleted)

	if err := store.AddPending(ctx, waitingSession, "41", persistence.PendingKindPermission, []byte(`{"toolCall":{}}`)); err != nil {
		fmt.Fprintf(os.Stderr, "add pending: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("PREPARED=3")
}

func verifyRecovery(ctx context.Context, store *persistence.Store) {
	recovered, err := store.RecoverStartup(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recover startup: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("RECOVERED=%d\n", len(recovered))

	pass := true
	check := func(id string, wantStatus persistence.Status, wantReason string) {
		sess, err := store.GetSession(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "get session %s: %v\n", id, err)
			os.Exit(1)
		}
		fmt.Printf("SESSION id=%s status=%s exit_reason=%q\n", id, sess.Status, sess.ExitReason)
		if sess.Status != wantStatus || sess.ExitReason != wantReason {
			pass = false
		}
	}
	check(runningSession, persistence.StatusExited, persistence.ExitReasonBridgeRestart)
	check(waitingSession, persistence.StatusExited, persistence.ExitReasonBridgeRestart)
	check(finishedSession, persistence.StatusCompleted, "")

	n, err := store.CountPending(ctx, waitingSession)
	if err != nil {
		fmt.Fprintf(os.Stderr, "count pending: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("PENDING_LEFT=%d\n", n)
	if n != 0 {
		pass = false
	}

	if !pass {
		fmt.Println("RESULT=FAIL")
		os.Exit(1)
	}
	fmt.Println("RESULT=PASS")
}
