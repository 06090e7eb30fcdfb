package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"histd/internal/config"
	"histd/internal/filter"
	"histd/internal/histfile"
	"histd/internal/history"
	"histd/internal/ipc"
	"histd/internal/sqlindex"
	"histd/internal/store"
)

func cmdSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	mode := fs.String("mode", string(store.ModeAggregated), "all, session, folder or aggregated-unique")
	query := fs.String("query", "", "substring the command must contain")
	session := fs.String("session", "", "session id for session mode")
	folder := fs.String("folder", "", "directory for folder mode")
	limit := fs.Int("limit", 0, "maximum number of results, 0 for all")
	unfiltered := fs.Bool("unfiltered", false, "do not apply the ignore filters")
	fs.Parse(args)

	cfg := loadConfig()
	req := &ipc.SearchRequest{
		Mode:          store.Mode(*mode),
		Query:         *query,
		Session:       *session,
		Folder:        *folder,
		MaxResults:    *limit,
		FilterIgnored: !*unfiltered,
	}

	c, err := ipc.Dial(cfg.SocketPath())
	if err != nil {
		if errors.Is(err, ipc.ErrDaemonUnreachable) {
			searchOffline(cfg, req)
			return
		}
		fatalf("search: %v", err)
	}
	defer c.Close()

	err = c.Search(req, func(r ipc.SearchResult) bool {
		printResult(r)
		return true
	})
	if err != nil {
		fatalf("search: %v", err)
	}
}

// searchOffline answers from the sqlite mirror when no daemon is
// running, applying the same ignore filters the daemon would. Results
// may lag behind other machines until the next daemon sync, so the
// degradation is announced once on stderr.
func searchOffline(cfg *config.Config, req *ipc.SearchRequest) {
	fmt.Fprintln(os.Stderr, "histctl: daemon unreachable, searching offline index")

	ix, err := sqlindex.Open(cfg.IndexPath())
	if err != nil {
		fatalf("open offline index: %v", err)
	}
	defer ix.Close()

	if _, err := ix.Refresh(indexSources(cfg)); err != nil {
		fatalf("refresh offline index: %v", err)
	}

	var hidden func(string) bool
	if req.FilterIgnored {
		hidden = filter.New(cfg.FiltersPath()).Hidden
	}

	// With filters active the cap applies after filtering, so fetch
	// everything first.
	limit := req.MaxResults
	if hidden != nil {
		limit = 0
	}

	if req.Mode == store.ModeAggregated {
		aggs, err := ix.Aggregated(req.Query, limit, time.Now())
		if err != nil {
			fatalf("search offline: %v", err)
		}
		aggs = dropHiddenAggregates(aggs, hidden, req.MaxResults)
		for i := range aggs {
			printResult(ipc.SearchResult{Aggregated: &aggs[i]})
		}
		return
	}

	events, err := ix.Events(store.Query{
		Mode:    req.Mode,
		Text:    req.Query,
		Session: req.Session,
		Folder:  req.Folder,
		Limit:   limit,
	})
	if err != nil {
		fatalf("search offline: %v", err)
	}
	events = dropHiddenEvents(events, hidden, req.MaxResults)
	for i := range events {
		printResult(ipc.SearchResult{Event: &events[i]})
	}
}

func dropHiddenAggregates(aggs []history.Aggregated, hidden func(string) bool, limit int) []history.Aggregated {
	out := aggs[:0]
	for _, a := range aggs {
		if hidden != nil && hidden(a.Command) {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func dropHiddenEvents(events []history.Event, hidden func(string) bool, limit int) []history.Event {
	out := events[:0]
	for _, e := range events {
		if hidden != nil && hidden(e.Command) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// indexSources lists every machine file visible to this machine: the
// local file plus whatever the replication root currently holds.
func indexSources(cfg *config.Config) []string {
	sources := []string{cfg.LocalPath()}
	if cfg.Sync.Root != "" {
		if matches, err := filepath.Glob(filepath.Join(cfg.Sync.Root, "*"+histfile.Extension)); err == nil {
			sources = append(sources, matches...)
		}
	}
	return sources
}

func printResult(r ipc.SearchResult) {
	switch {
	case r.Aggregated != nil:
		a := r.Aggregated
		fail := "-"
		if ratio := a.FailRatio(); ratio >= 0 {
			fail = fmt.Sprintf("%.0f%%", ratio*100)
		}
		fmt.Printf("%s\t%d\t%s\t%s\n",
			a.MostRecentTime.Local().Format("2006-01-02 15:04"),
			a.OccurrenceCount, fail, a.Command)
	case r.Event != nil:
		e := r.Event
		exit := "-"
		if e.ExitCode != history.ExitUnknown {
			exit = fmt.Sprintf("%d", e.ExitCode)
		}
		fmt.Printf("%s\t%s\t%s\t%s\n",
			e.StartTime.Local().Format("2006-01-02 15:04:05"),
			exit, e.Machine, e.Command)
	}
}
