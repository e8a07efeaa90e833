package main

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"codmonbridge/internal/archive"
	"codmonbridge/internal/codmon"
	"codmonbridge/internal/config"
	"codmonbridge/internal/sync"
)

var (
	archiveFullScan bool
	archiveNoAssets bool
	archiveForce    bool
	archiveSince    string
	archiveUntil    string
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Walk every facility's timeline and contact book into the local archive",
	RunE:  runArchive,
}

func init() {
	archiveCmd.Flags().BoolVar(&archiveFullScan, "full-scan", false, "re-walk the entire history instead of stopping at archived records")
	archiveCmd.Flags().BoolVar(&archiveNoAssets, "no-assets", false, "skip downloading photos and documents")
	archiveCmd.Flags().BoolVar(&archiveForce, "force", false, "overwrite existing files")
	archiveCmd.Flags().StringVar(&archiveSince, "since", "", "oldest date to fetch (YYYY-MM-DD)")
	archiveCmd.Flags().StringVar(&archiveUntil, "until", "", "newest date to fetch (YYYY-MM-DD)")
}

func runArchive(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if err := cfg.ValidateCodmon(); err != nil {
		return err
	}

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	client := codmon.NewClient(cfg.CodmonEmail, cfg.CodmonPassword)

	log.Info("logging in")
	loginData, err := client.Login(ctx)
	if err != nil {
		return err
	}
	members := loginData.MembersByService()
	log.Info("login ok", zap.Int("facilities_with_children", len(members)))

	services, err := client.Services(ctx)
	if err != nil {
		return err
	}
	if len(services) == 0 {
		log.Warn("no facilities linked to this account")
		return nil
	}

	window, contactWindow, err := archiveWindows(archiveSince, archiveUntil, archiveFullScan)
	if err != nil {
		return err
	}

	mode := sync.Incremental
	if archiveFullScan || archiveForce {
		mode = sync.FullScan
	}

	walker, err := sync.NewWalker(client, log,
		sync.WithPageCeiling(cfg.PageCeiling),
		sync.WithPageDelay(cfg.PageDelay))
	if err != nil {
		return err
	}
	contactWalker, err := sync.NewContactWalker(client, log, cfg.PageDelay, nil)
	if err != nil {
		return err
	}

	sinkOpts := []archive.SinkOption{archive.WithForce(archiveForce)}
	if archiveNoAssets {
		sinkOpts = append(sinkOpts, archive.WithoutAssets())
	}

	for _, svc := range services {
		if !policy.AllowFacility(svc.Name) {
			log.Info("facility filtered by policy", zap.String("facility", svc.Name))
			continue
		}
		flog := log.With(zap.String("facility", svc.Name), zap.String("service_id", svc.ID))
		flog.Info("processing facility")

		sink, err := archive.NewSink(cfg.DataDir, svc.Name, client, flog, sinkOpts...)
		if err != nil {
			return err
		}

		for _, member := range members[svc.ID] {
			sum, err := contactWalker.Walk(ctx, member.MemberID, contactWindow, mode, sink)
			if err != nil {
				return err
			}
			flog.Info("contact book walked",
				zap.String("child", member.ChildName),
				zap.Int("fetched", sum.Fetched),
				zap.Int("archived", sum.Emitted))
		}

		sum, err := walker.Walk(ctx, svc.ID, window, mode, sink)
		if err != nil {
			return err
		}
		flog.Info("timeline walked",
			zap.Int("pages", sum.Pages),
			zap.Int("fetched", sum.Fetched),
			zap.Int("archived", sum.Emitted),
			zap.String("stop", string(sum.Stop)))
	}
	return nil
}

// archiveWindows derives the timeline and contact-book fetch windows.
// Timeline defaults to the last ten years; the contact book defaults to the
// last two months, or all history back to the vendor's launch on full scans.
func archiveWindows(since, until string, fullScan bool) (codmon.Window, codmon.Window, error) {
	end := time.Now()
	if until != "" {
		t, err := time.Parse("2006-01-02", until)
		if err != nil {
			return codmon.Window{}, codmon.Window{}, errors.Wrap(err, "invalid --until, expected YYYY-MM-DD")
		}
		end = t
	}

	start := end.AddDate(-10, 0, 0)
	contactStart := end.AddDate(0, 0, -60)
	if fullScan {
		contactStart = time.Date(2019, 1, 1, 0, 0, 0, 0, time.Local)
	}
	if since != "" {
		t, err := time.Parse("2006-01-02", since)
		if err != nil {
			return codmon.Window{}, codmon.Window{}, errors.Wrap(err, "invalid --since, expected YYYY-MM-DD")
		}
		start = t
		contactStart = t
	}

	return codmon.Window{Start: start, End: end},
		codmon.Window{Start: contactStart, End: end},
		nil
}
