package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/mmdatafocus/docflow_backend/config"
	"github.com/mmdatafocus/docflow_backend/handlers"
	"github.com/mmdatafocus/docflow_backend/middlewares"
	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/mmdatafocus/docflow_backend/poller"
	"github.com/mmdatafocus/docflow_backend/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var errStillProcessing = errors.New("still processing after max wait")

type globalOptions struct {
	api      string
	token    string
	session  string
	interval time.Duration
	maxWait  time.Duration
	verbose  bool
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (o *globalOptions) client() *poller.Client {
	c := poller.NewClient(o.api)
	c.Token = o.token
	c.Session = o.session
	return c
}

func (o *globalOptions) waiter() *poller.Waiter {
	p := poller.PolicyFromSettings(config.LoadPipelineSettings())
	if o.interval > 0 {
		p.Interval = o.interval
	}
	if o.maxWait > 0 {
		p.MaxWait = o.maxWait
	}
	var logger *logrus.Logger
	if o.verbose {
		logger = config.GetLogger()
	}
	return poller.NewWaiter(p, logger)
}

func newRootCmd() *cobra.Command {
	o := &globalOptions{}
	root := &cobra.Command{
		Use:           "docflowctl",
		Short:         "Operate the document-to-ledger pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&o.api, "api", envOr("DOCFLOW_API_URL", "http://localhost:8080"), "API base URL")
	pf.StringVar(&o.token, "token", os.Getenv("DOCFLOW_TOKEN"), "bearer token")
	pf.StringVar(&o.session, "session", os.Getenv("DOCFLOW_SESSION"), "session token sent in the token header")
	pf.DurationVar(&o.interval, "interval", 0, "poll interval (default POLL_INTERVAL_MS)")
	pf.DurationVar(&o.maxWait, "max-wait", 0, "give up waiting after this long (default POLL_MAX_WAIT_SECONDS)")
	pf.BoolVarP(&o.verbose, "verbose", "v", false, "log poll retries")

	root.AddCommand(
		newSubmitCmd(o),
		newRetryCmd(o),
		newStatusCmd(o),
		newWaitCmd(o),
		newApprovalsCmd(o),
		newEvidenceCmd(o),
		newTokenCmd(),
		newSessionCmd(),
		newMigrateCmd(),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// waitAndPrint prints the final view. A failed view or an exhausted wait is a command error.
func waitAndPrint(cmd *cobra.Command, res poller.Result, err error) error {
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), res.View); err != nil {
		return err
	}
	switch {
	case res.Outcome == poller.OutcomeStillProcessing:
		return errStillProcessing
	case res.View.Failed:
		return fmt.Errorf("%s %s failed: %s", res.View.Kind, res.View.ID, utils.DereferencePtr(res.View.Error, "unknown error"))
	}
	return nil
}

func newSubmitCmd(o *globalOptions) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "submit DOCUMENT_ID",
		Short: "Start a pipeline job for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobCommand(cmd, o, "/documents/"+url.PathEscape(args[0])+"/jobs", wait)
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait until the job stops asking to be polled")
	return cmd
}

func newRetryCmd(o *globalOptions) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "retry JOB_ID",
		Short: "Retry a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobCommand(cmd, o, "/jobs/"+url.PathEscape(args[0])+"/retry", wait)
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait until the new job stops asking to be polled")
	return cmd
}

func runJobCommand(cmd *cobra.Command, o *globalOptions, path string, wait bool) error {
	ctx := cmd.Context()
	c := o.client()
	var job models.Job
	if err := c.Do(ctx, http.MethodPost, path, nil, &job); err != nil {
		return err
	}
	if !wait {
		return printJSON(cmd.OutOrStdout(), job)
	}
	res, err := c.WaitForJob(ctx, job.ID, o.waiter())
	return waitAndPrint(cmd, res, err)
}

// kindArg accepts "job" or "document" as the first positional argument.
func kindArg(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(2)(cmd, args); err != nil {
		return err
	}
	switch args[0] {
	case "job", "document":
		return nil
	}
	return fmt.Errorf("unknown kind %q, want job or document", args[0])
}

func newStatusCmd(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "status (job|document) ID",
		Short:     "Print one status view",
		Args:      kindArg,
		ValidArgs: []string{"job", "document"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c := o.client()
			fetch := c.FetchJobStatus
			if args[0] == "document" {
				fetch = c.FetchDocumentStatus
			}
			v, err := fetch(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
}

func newWaitCmd(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "wait (job|document) ID",
		Short: "Poll a status view until it is terminal or needs a reviewer",
		Args:  kindArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := o.client()
			if args[0] == "document" {
				res, err := c.WaitForDocument(cmd.Context(), args[1], o.waiter())
				return waitAndPrint(cmd, res, err)
			}
			res, err := c.WaitForJob(cmd.Context(), args[1], o.waiter())
			return waitAndPrint(cmd, res, err)
		},
	}
}

func newApprovalsCmd(o *globalOptions) *cobra.Command {
	var (
		status     string
		documentID string
		limit      int
		offset     int
	)
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List approvals, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if documentID != "" {
				q.Set("document_id", documentID)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				q.Set("offset", strconv.Itoa(offset))
			}
			path := "/approvals"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var page models.ApprovalPage
			if err := o.client().Do(cmd.Context(), http.MethodGet, path, nil, &page); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), page)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, approved or rejected")
	cmd.Flags().StringVar(&documentID, "document", "", "only approvals for this document")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func newEvidenceCmd(o *globalOptions) *cobra.Command {
	var xlsxPath string
	cmd := &cobra.Command{
		Use:   "evidence DOCUMENT_ID",
		Short: "Dump a document's evidence log as JSON or an xlsx workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var events []models.EvidenceEvent
			if err := o.client().Do(cmd.Context(), http.MethodGet, "/documents/"+url.PathEscape(args[0])+"/evidence", nil, &events); err != nil {
				return err
			}
			if xlsxPath == "" {
				return printJSON(cmd.OutOrStdout(), events)
			}
			f, err := handlers.EvidenceWorkbook(events)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := f.SaveAs(xlsxPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d events to %s\n", len(events), xlsxPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "write a workbook to this path instead of printing JSON")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		username string
		role     string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with API_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := utils.JwtGenerate(username, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "user", "", "username recorded as the actor")
	cmd.Flags().StringVar(&role, "role", "", `role claim; "admin" unlocks repost and retry`)
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage service-account sessions in Redis",
	}

	var (
		username string
		admin    bool
		ttl      time.Duration
	)
	put := &cobra.Command{
		Use:   "put TOKEN",
		Short: "Store a session for the token header",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := connectRedis(cmd.Context()); err != nil {
				return err
			}
			defer config.CloseRedis()
			s := middlewares.Session{Username: username, Admin: admin}
			if err := middlewares.StoreSession(cmd.Context(), args[0], s, ttl); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session stored for %s\n", username)
			return nil
		},
	}
	put.Flags().StringVar(&username, "user", "", "username recorded as the actor")
	put.Flags().BoolVar(&admin, "admin", false, "grant admin endpoints")
	put.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "session lifetime, 0 for no expiry")
	_ = put.MarkFlagRequired("user")

	revoke := &cobra.Command{
		Use:   "revoke TOKEN",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := connectRedis(cmd.Context()); err != nil {
				return err
			}
			defer config.CloseRedis()
			return middlewares.RevokeSession(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(put, revoke)
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run AutoMigrate against DB_* (for deploys with SKIP_MIGRATIONS=true)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()
			if err := config.ConnectDatabaseWithRetry(ctx); err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			db := config.GetDB()
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}
			if err := models.MigrateTable(db.WithContext(ctx)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

// connectRedis gives up after a minute.
func connectRedis(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := config.ConnectRedisWithRetry(ctx); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	return nil
}
