package main

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"histd/internal/history"
	"histd/internal/ipc"
)

// epochTime converts fractional unix seconds, the shell's native
// currency ($EPOCHREALTIME), into a time.Time.
func epochTime(seconds float64) time.Time {
	if seconds == 0 {
		return time.Now().UTC()
	}
	sec, frac := math.Modf(seconds)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func cmdAppendEvent(args []string) {
	fs := flag.NewFlagSet("append-event", flag.ExitOnError)
	command := fs.String("command", "", "command text as typed")
	start := fs.Float64("start", 0, "start time, fractional unix seconds (default: now)")
	end := fs.Float64("end", 0, "end time, fractional unix seconds (default: now)")
	exit := fs.Int("exit", 0, "command exit code")
	folder := fs.String("folder", "", "working directory")
	session := fs.String("session", "", "shell session id")
	fs.Parse(args)

	if *command == "" {
		fatalf("append-event: -command is required")
	}
	if *folder == "" {
		if wd, err := os.Getwd(); err == nil {
			*folder = wd
		}
	}

	cfg := loadConfig()
	c := dial(cfg)
	defer c.Close()

	_, err := c.Append(&ipc.AppendRequest{
		Command:   *command,
		StartTime: epochTime(*start),
		EndTime:   epochTime(*end),
		ExitCode:  *exit,
		Folder:    *folder,
		Session:   *session,
	})
	if err != nil {
		fatalf("append-event: %v", err)
	}
}

func cmdStep(args []string, backwards bool) {
	fs := flag.NewFlagSet("step", flag.ExitOnError)
	session := fs.String("session", "", "shell session id")
	prefix := fs.String("prefix", "", "prefix the matched command must start with")
	ref := fs.Float64("ref", 0, "reference time, fractional unix seconds (default: now)")
	fs.Parse(args)

	if *session == "" {
		fatalf("step: -session is required")
	}

	cfg := loadConfig()
	c := dial(cfg)
	defer c.Close()

	req := &ipc.StepRequest{
		Session:       *session,
		Prefix:        *prefix,
		ReferenceTime: epochTime(*ref),
	}

	var (
		e     *history.Event
		found bool
		err   error
	)
	if backwards {
		e, found, err = c.PreviousEvent(req)
	} else {
		e, found, err = c.NextEvent(req)
	}
	if err != nil {
		fatalf("step: %v", err)
	}
	if !found {
		os.Exit(1)
	}
	// The shell binding consumes: start time then command, so
	// repeated steps can pass the time back as -ref.
	fmt.Printf("%.6f\t%s\n", float64(e.StartTime.UnixNano())/1e9, e.Command)
}

func cmdStatus() {
	cfg := loadConfig()
	c := dial(cfg)
	defer c.Close()

	st, err := c.Status()
	if err != nil {
		fatalf("status: %v", err)
	}

	fmt.Printf("histd %s, up %s\n", st.Version, st.Uptime)
	fmt.Printf("socket:          %s\n", st.SocketPath)
	fmt.Printf("events:          %d\n", st.Stats.EventCount)
	fmt.Printf("sessions:        %d\n", st.Stats.SessionCount)
	fmt.Printf("pending writes:  %d\n", st.PendingWrites)
	if st.Stats.CorruptRecords > 0 {
		fmt.Printf("corrupt records: %d\n", st.Stats.CorruptRecords)
	}
	if !st.Stats.LastSync.IsZero() {
		fmt.Printf("last sync:       %s\n", st.Stats.LastSync.Local().Format(time.RFC3339))
	} else if cfg.Sync.Root == "" {
		fmt.Println("sync:            disabled (no root configured)")
	} else {
		fmt.Println("last sync:       never")
	}
	fmt.Println("events per machine:")
	for machine, n := range st.Stats.MachineCounts {
		fmt.Printf("  %-16s %d\n", machine, n)
	}
}

func cmdIsAlive() {
	cfg := loadConfig()
	c, err := ipc.Dial(cfg.SocketPath())
	if err != nil {
		os.Exit(1)
	}
	defer c.Close()
	if err := c.Ping(); err != nil {
		os.Exit(1)
	}
}

func cmdStop() {
	cfg := loadConfig()
	c, err := ipc.Dial(cfg.SocketPath())
	if err != nil {
		if errors.Is(err, ipc.ErrDaemonUnreachable) {
			fmt.Println("histd is not running")
			return
		}
		fatalf("stop: %v", err)
	}
	defer c.Close()

	if err := c.Shutdown(); err != nil {
		fatalf("stop: %v", err)
	}
	fmt.Println("histd stopping")
}

func cmdSyncNow() {
	cfg := loadConfig()
	c := dial(cfg)
	defer c.Close()

	res, err := c.SyncNow()
	if err != nil {
		fatalf("sync-now: %v", err)
	}
	if !res.Synced {
		fatalf("sync-now: %s", res.Error)
	}
	fmt.Println("sync complete")
}
