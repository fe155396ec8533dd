package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pact/internal/app"
	"pact/internal/contracts"
	"pact/internal/domain"
	"pact/internal/identity"
	"pact/internal/ledger"
	"pact/internal/verify"
	"pact/internal/wizard"
)

const loadTimeout = 5 * time.Second

func loginCmd() *cobra.Command {
	var id identity.Identity
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in as a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(id.UID) == "" {
				return fmt.Errorf("--uid required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.SignIn(id); err != nil {
					return err
				}
				return printJSONOrTable(id)
			})
		},
	}
	cmd.Flags().StringVar(&id.UID, "uid", "", "user id")
	cmd.Flags().StringVar(&id.DisplayName, "name", "", "display name")
	cmd.Flags().StringVar(&id.Email, "email", "", "email")
	cmd.Flags().StringVar(&id.PhotoURL, "photo-url", "", "avatar URL")
	_ = cmd.MarkFlagRequired("uid")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.SignOut(); err != nil {
					return err
				}
				fmt.Println("signed out")
				return nil
			})
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				id, ok := a.Identity.Current()
				if !ok {
					return domain.ErrAuthRequired
				}
				return printJSONOrTable(id)
			})
		},
	}
}

func newCmd() *cobra.Command {
	var goal, deadline, penalty string
	var amount float64
	var yes bool
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Negotiate and sign a new pact",
		Long:  "Runs the creation flow: goal, deadline (YYYY-MM-DD), penalty. The contract agent drafts the terms; you confirm before it is signed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w := a.Wizard
				if err := w.SubmitGoal(goal); err != nil {
					return err
				}
				if err := w.SelectDeadline(deadline); err != nil {
					return err
				}
				choice := wizard.PenaltyChoice{Type: domain.PenaltyType(penalty), Amount: amount}
				if err := w.SelectPenalty(ctx, choice); err != nil {
					return err
				}
				draft := w.State().Draft.Contract
				if err := printJSONOrTable(draft); err != nil {
					return err
				}
				if !yes && !confirm("Sign this pact?") {
					fmt.Println("not signed")
					return nil
				}
				id, err := w.Confirm(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"contract_id": id})
				}
				fmt.Printf("Signed pact %s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&goal, "goal", "", "what you commit to")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&penalty, "penalty", string(domain.PenaltyStakeBurn), "stake_burn, donation or public_shame")
	cmd.Flags().Float64Var(&amount, "amount", 0, "donation amount in USD")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "sign without asking")
	_ = cmd.MarkFlagRequired("goal")
	_ = cmd.MarkFlagRequired("deadline")
	return cmd
}

func contractsCmd() *cobra.Command {
	c := &cobra.Command{Use: "contracts", Short: "Manage your pacts"}
	c.AddCommand(contractsListCmd())
	c.AddCommand(contractsEditCmd())
	c.AddCommand(contractsDeleteCmd())
	return c
}

func contractsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your pacts, soonest deadline first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := awaitContracts(ctx, a.Contracts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v.Contracts)
				}
				renderContracts(v)
				return nil
			})
		},
	}
}

func contractsEditCmd() *cobra.Command {
	var goal, deadline string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change a pact's goal and deadline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := awaitContracts(ctx, a.Contracts); err != nil {
					return err
				}
				if err := a.Contracts.Edit(ctx, args[0], goal, deadline); err != nil {
					return err
				}
				fmt.Printf("Updated pact %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&goal, "goal", "", "new goal text")
	cmd.Flags().StringVar(&deadline, "deadline", "", "new deadline date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("goal")
	return cmd
}

func contractsDeleteCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Void a pact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := awaitContracts(ctx, a.Contracts); err != nil {
					return err
				}
				p, err := a.Contracts.PrepareDelete(args[0])
				if err != nil {
					return err
				}
				if !yes && !confirm(fmt.Sprintf("%s (%s)", p.Prompt(), p.Goal)) {
					fmt.Println("kept")
					return nil
				}
				if err := p.Confirm(ctx); err != nil {
					return err
				}
				fmt.Printf("Voided pact %s\n", p.ID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation")
	return cmd
}

func ledgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ledger",
		Short: "Show your stake balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				id, ok := a.Identity.Current()
				if !ok {
					return domain.ErrAuthRequired
				}
				snap, _, err := ledger.Fetcher(a.Store)(ctx, id.UID)
				if err != nil {
					return err
				}
				out := domain.DefaultLedger()
				if snap != nil {
					out = *snap
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Balance: %d\nEarned:  %d\nBurned:  %d\n", out.CurrentBalance, out.LifetimeEarned, out.LifetimeBurned)
				return nil
			})
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow your pacts and balance live",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, ok := a.Identity.Current(); !ok {
					return domain.ErrAuthRequired
				}
				changed := make(chan struct{}, 1)
				poke := func() {
					select {
					case changed <- struct{}{}:
					default:
					}
				}
				a.Contracts.OnChange(func(contracts.View) { poke() })
				a.Ledger.OnChange(func(domain.LedgerSnapshot) { poke() })
				poke()

				done := make(chan error, 1)
				go func() { done <- a.Run(ctx) }()
				for {
					select {
					case <-ctx.Done():
						return <-done
					case <-changed:
						v := a.Contracts.View()
						if v.Loading {
							continue
						}
						l := a.Ledger.Current()
						fmt.Printf("\n%s  balance %d\n", time.Now().Format(time.TimeOnly), l.CurrentBalance)
						if v.Err != nil {
							fmt.Println("error:", v.Err.Message)
							continue
						}
						renderContracts(v)
					}
				}
			})
		},
	}
}

func verifyCmd() *cobra.Command {
	var evidence, photo string
	cmd := &cobra.Command{
		Use:   "verify <id>",
		Short: "Submit proof for a pact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := awaitContracts(ctx, a.Contracts)
				if err != nil {
					return err
				}
				var target *domain.Contract
				for i := range v.Contracts {
					if v.Contracts[i].ID == args[0] {
						target = &v.Contracts[i]
					}
				}
				if target == nil {
					return contracts.ErrUnknownContract
				}
				quiet := viper.GetBool("json")
				shown := 0
				s := a.NewVerification(*target, verify.WithUpdates(func(st verify.State) {
					for ; shown < len(st.Lines); shown++ {
						if !quiet {
							l := st.Lines[shown]
							fmt.Printf("[%s] %s\n", strings.ToUpper(string(l.Agent)), l.Message)
						}
					}
				}))
				defer s.Close()
				if err := s.SetEvidence(evidence); err != nil {
					return err
				}
				if photo != "" {
					if err := s.Attach(verify.FileAttachment(photo)); err != nil {
						return err
					}
				}
				verdict, err := s.Submit(ctx)
				if err != nil {
					return err
				}
				if quiet {
					return printJSON(verdict)
				}
				fmt.Printf("\n%s (%d%% confidence)\n", verdict.Verification.Status, verdict.Verification.ConfidencePercent())
				if r := verdict.Verification.Reasoning; r != "" {
					fmt.Println(r)
				}
				if r := verdict.Verification.FailureReason; r != "" {
					fmt.Println("Reason:", r)
				}
				fmt.Printf("Audit: %s (%s)\n", verdict.Audit.Verdict, verdict.Audit.Reason)
				fmt.Println("Ledger:", verdict.LedgerEffect())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&evidence, "evidence", "", "what you did")
	cmd.Flags().StringVar(&photo, "photo", "", "path to a photo")
	return cmd
}

func communityCmd() *cobra.Command {
	c := &cobra.Command{Use: "community", Short: "Public feed and leaderboard"}
	c.AddCommand(&cobra.Command{
		Use:   "feed",
		Short: "Recent public outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Backend.Feed(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"User", "Status", "Goal", "Trust", "When"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.UserName, it.Status, it.GoalDescription, fmt.Sprintf("%+.0f", it.TrustScoreDelta), it.Timestamp})
				}
				tw.Render()
				return nil
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "leaderboard",
		Short: "Most reliable users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				users, err := a.Backend.Leaderboard(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable(table.Row{"#", "User", "Trust", "Completed"})
				for i, u := range users {
					tw.AppendRow(table.Row{i + 1, u.DisplayName, fmt.Sprintf("%.0f", u.TrustScore), u.ContractsCompleted})
				}
				tw.Render()
				return nil
			})
		},
	})
	return c
}

func telemetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "telemetry",
		Short: "Agent trace statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stats, err := a.Backend.TelemetryStats(ctx)
				if err != nil {
					return err
				}
				traces, err := a.Backend.Traces(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"stats": stats, "traces": traces})
				}
				fmt.Printf("Traces %d, success %.0f%%, avg %.2fs\n", stats.TotalTraces, stats.SuccessRate*100, stats.AvgDuration)
				tw := newTable(table.Row{"Name", "Status", "Duration", "Started"})
				for _, t := range traces {
					tw.AppendRow(table.Row{t.Name, t.Status, fmt.Sprintf("%.2fs", t.Duration), t.StartTime})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// awaitContracts waits for the first snapshot of the live list.
func awaitContracts(ctx context.Context, list *contracts.List) (contracts.View, error) {
	ctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		v := list.View()
		switch {
		case !v.SignedIn:
			return v, domain.ErrAuthRequired
		case v.Err != nil:
			return v, v.Err
		case !v.Loading:
			return v, nil
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-ticker.C:
		}
	}
}

func renderContracts(v contracts.View) {
	if v.Reminder != nil {
		fmt.Printf("Reminder: %q is due %s\n", v.Reminder.Goal(), v.Reminder.Deadline.Local().Format(time.DateTime))
	}
	tw := newTable(table.Row{"ID", "Goal", "Deadline", "Penalty", "Status"})
	for _, c := range v.Contracts {
		deadline := ""
		if c.Deadline.Valid() {
			deadline = c.Deadline.Local().Format(time.DateTime)
		}
		tw.AppendRow(table.Row{c.ID, c.Goal(), deadline, c.Penalty.Type, c.Status})
	}
	tw.Render()
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
