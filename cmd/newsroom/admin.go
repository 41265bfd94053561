package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"Newsroom/internal/app"
	"Newsroom/internal/domain"
	"Newsroom/internal/infrastructure/storage"
)

// repositories are enough for the admin commands; they skip Redis and the
// model registry.
type repositories struct {
	rules   *storage.RuleRepository
	sources *storage.SourceRepository
	tasks   *storage.TaskRepository
}

func (c *cli) withRepositories(ctx context.Context, fn func(repositories) error) error {
	db, err := app.Open(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	timeout := c.cfg.Database.Timeout
	return fn(repositories{
		rules:   storage.NewRuleRepository(db, timeout),
		sources: storage.NewSourceRepository(db, timeout),
		tasks:   storage.NewTaskRepository(db, timeout),
	})
}

func table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// ruleFlags collects the flags of "rule add".
type ruleFlags struct {
	scope       string
	target      string
	ruleType    string
	value       float64
	action      string
	alternative string
}

func (f ruleFlags) rule() (domain.BudgetRule, error) {
	rule := domain.BudgetRule{
		Scope:              domain.RuleScope(f.scope),
		Target:             f.target,
		RuleType:           domain.RuleType(f.ruleType),
		RuleValue:          f.value,
		Action:             domain.Action(f.action),
		AlternativeService: f.alternative,
		IsActive:           true,
	}
	return rule, rule.Validate()
}

func (c *cli) ruleCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "rule", Short: "Manage budget rules"}

	var flags ruleFlags
	add := &cobra.Command{
		Use:   "add",
		Short: "Create an active budget rule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rule, err := flags.rule()
			if err != nil {
				return err
			}
			return c.withRepositories(cmd.Context(), func(r repositories) error {
				id, err := r.rules.Create(cmd.Context(), rule)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	add.Flags().StringVar(&flags.scope, "scope", string(domain.ScopeGlobal), "global, specific_service or specific_user")
	add.Flags().StringVar(&flags.target, "target", "", "service or caller id for scoped rules")
	add.Flags().StringVar(&flags.ruleType, "type", string(domain.RuleDaily), "per_request_limit, daily_limit, monthly_limit, service_limit or rate_limit")
	add.Flags().Float64Var(&flags.value, "value", 0, "limit value (USD, or requests per minute for rate_limit)")
	add.Flags().StringVar(&flags.action, "action", string(domain.ActionWarn), "warn, downgrade, throttle or block")
	add.Flags().StringVar(&flags.alternative, "alternative", "", "service to fall back to for downgrade")

	list := &cobra.Command{
		Use:   "list",
		Short: "List budget rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRepositories(cmd.Context(), func(r repositories) error {
				rules, err := r.rules.List(cmd.Context())
				if err != nil {
					return err
				}
				tw := table(cmd.OutOrStdout())
				fmt.Fprintln(tw, "ID\tSCOPE\tTARGET\tTYPE\tVALUE\tACTION\tALTERNATIVE\tACTIVE")
				for _, rule := range rules {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%g\t%s\t%s\t%t\n", rule.ID, rule.Scope, rule.Target,
						rule.RuleType, rule.RuleValue, rule.Action, rule.AlternativeService, rule.IsActive)
				}
				return tw.Flush()
			})
		},
	}

	setActive := func(use, short string, active bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <rule-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withRepositories(cmd.Context(), func(r repositories) error {
					return r.rules.SetActive(cmd.Context(), args[0], active)
				})
			},
		}
	}

	cmd.AddCommand(add, list,
		setActive("disable", "Deactivate a rule", false),
		setActive("enable", "Reactivate a rule", true),
	)
	return cmd
}

func (c *cli) taskCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Inspect and retry tasks"}

	retry := &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Enqueue a fresh copy of a failed or deferred task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.Application) error {
				id, err := a.Scheduler.Retry(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count tasks by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRepositories(cmd.Context(), func(r repositories) error {
				counts, err := r.tasks.CountByStatus(cmd.Context())
				if err != nil {
					return err
				}
				statuses := make([]string, 0, len(counts))
				for status := range counts {
					statuses = append(statuses, string(status))
				}
				sort.Strings(statuses)

				tw := table(cmd.OutOrStdout())
				fmt.Fprintln(tw, "STATUS\tCOUNT")
				for _, status := range statuses {
					fmt.Fprintf(tw, "%s\t%d\n", status, counts[domain.TaskStatus(status)])
				}
				return tw.Flush()
			})
		},
	}

	reap := &cobra.Command{
		Use:   "reap",
		Short: "Fail tasks stuck in processing longer than workers.lease",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app.Application) error {
				n, err := a.Scheduler.ReapAbandoned(cmd.Context(), time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "failed %d abandoned tasks\n", n)
				return nil
			})
		},
	}

	cmd.AddCommand(retry, stats, reap)
	return cmd
}

// sourceFlags collects the flags of "source add".
type sourceFlags struct {
	name         string
	sourceType   string
	url          string
	interval     time.Duration
	keywords     []string
	minRelevance float64
	trust        string
	category     string
	languages    []string
	authHeader   string
	authToken    string
	selectors    map[string]string
}

func (f sourceFlags) source() (domain.Source, error) {
	src := domain.Source{
		Name:          strings.TrimSpace(f.name),
		Type:          domain.SourceType(f.sourceType),
		URL:           strings.TrimSpace(f.url),
		FetchInterval: f.interval,
		IsActive:      true,
		Config: domain.SourceConfig{
			Keywords:     f.keywords,
			MinRelevance: f.minRelevance,
			TrustTier:    domain.TrustTier(f.trust),
			Category:     f.category,
			Languages:    f.languages,
			Auth:         domain.SourceAuth{Header: f.authHeader, Token: f.authToken},
			Selectors: domain.Selectors{
				Item:    f.selectors["item"],
				Title:   f.selectors["title"],
				Summary: f.selectors["summary"],
				Link:    f.selectors["link"],
				Date:    f.selectors["date"],
				Layout:  f.selectors["layout"],
			},
		},
	}
	return src, src.Validate()
}

func (c *cli) sourceCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "source", Short: "Manage monitored sources"}

	var flags sourceFlags
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := flags.source()
			if err != nil {
				return err
			}
			return c.withRepositories(cmd.Context(), func(r repositories) error {
				id, err := r.sources.Create(cmd.Context(), src)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	add.Flags().StringVar(&flags.name, "name", "", "display name")
	add.Flags().StringVar(&flags.sourceType, "type", string(domain.SourceFeed), "feed, api or other")
	add.Flags().StringVar(&flags.url, "url", "", "feed, API or listing URL")
	add.Flags().DurationVar(&flags.interval, "interval", 15*time.Minute, "poll interval")
	add.Flags().StringSliceVar(&flags.keywords, "keywords", nil, "relevance keywords (empty accepts everything)")
	add.Flags().Float64Var(&flags.minRelevance, "min-relevance", 0.3, "minimum relevance to enqueue an entry")
	add.Flags().StringVar(&flags.trust, "trust", string(domain.TrustStandard), "trusted, standard or unknown")
	add.Flags().StringVar(&flags.category, "category", "", "default category")
	add.Flags().StringSliceVar(&flags.languages, "languages", nil, "target languages for generated articles")
	add.Flags().StringVar(&flags.authHeader, "auth-header", "", "header sent with the token")
	add.Flags().StringVar(&flags.authToken, "auth-token", "", "token value")
	add.Flags().StringToStringVar(&flags.selectors, "selector", nil, "HTML selectors for other sources, e.g. item=article,title=h2")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("url")

	list := &cobra.Command{
		Use:   "list",
		Short: "List sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRepositories(cmd.Context(), func(r repositories) error {
				sources, err := r.sources.List(cmd.Context())
				if err != nil {
					return err
				}
				tw := table(cmd.OutOrStdout())
				fmt.Fprintln(tw, "ID\tNAME\tTYPE\tINTERVAL\tACTIVE\tLAST FETCHED\tERRORS")
				for _, src := range sources {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%d\n", src.ID, src.Name, src.Type,
						src.FetchInterval, src.IsActive, formatTime(src.LastFetched), src.ErrorCount)
				}
				return tw.Flush()
			})
		},
	}

	health := &cobra.Command{
		Use:   "health",
		Short: "Show error counts and circuit state per source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app.Application) error {
				rows, err := a.Monitor.Health(cmd.Context())
				if err != nil {
					return err
				}
				tw := table(cmd.OutOrStdout())
				fmt.Fprintln(tw, "ID\tNAME\tHEALTHY\tERRORS\tCIRCUIT\tLAST ERROR")
				for _, row := range rows {
					circuit := "closed"
					if row.Circuit.IsOpen {
						circuit = "open"
					}
					fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%s\t%s\n", row.Source.ID, row.Source.Name,
						row.Healthy, row.Source.ErrorCount, circuit, row.Source.LastError)
				}
				return tw.Flush()
			})
		},
	}

	cmd.AddCommand(add, list, health)
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
