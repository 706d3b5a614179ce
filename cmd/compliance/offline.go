package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/warp/compliance-engine/compliance"
	"github.com/warp/compliance-engine/factory"
	"github.com/warp/compliance-engine/generic"
)

var classifyCmd = &cobra.Command{
	Use:   "classify <attributable> <limit>",
	Short: "Classify emissions figures",
	Long: `Classifies attributable emissions against the emissions limit (both in tCO2e)
and, with --year, prices the obligation using that year's charge rate.`,
	Example: `  compliance classify 1100 1000 --year 2024
  compliance classify 900 1000`,
	Args: cobra.ExactArgs(2),
	RunE: runClassify,
}

var taskListCmd = &cobra.Command{
	Use:   "tasklist <outcome>",
	Short: "Print the task list a role sees for an outcome",
	Example: `  compliance tasklist obligation_not_met --role director
  compliance tasklist earned_credits --issuance issuance_requested --current track-status-of-issuance`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskList,
}

var calendarCmd = &cobra.Command{
	Use:   "calendar [file]",
	Short: "Validate and print a reporting calendar",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCalendar,
}

func init() {
	rootCmd.AddCommand(classifyCmd, taskListCmd, calendarCmd)

	classifyCmd.Flags().Int("year", 0, "Reporting year used to price the obligation")

	taskListCmd.Flags().String("role", string(compliance.RoleIndustryUser), "Viewer role: industry_user, analyst or director")
	taskListCmd.Flags().String("current", "", "Current step token; that step is marked active")
	taskListCmd.Flags().String("obligation", string(compliance.ObligationUnpaid), "Obligation state")
	taskListCmd.Flags().String("penalty", string(compliance.AccrualNotAccrued), "Automatic overdue penalty state")
	taskListCmd.Flags().String("interest", string(compliance.AccrualNotAccrued), "Late submission interest state")
	taskListCmd.Flags().String("issuance", string(compliance.IssuanceCreditsNotIssued), "Issuance status")
	taskListCmd.Flags().String("outstanding", "0", "Obligation balance still owed, in CAD")
	taskListCmd.Flags().Bool("analyst-reviewed", false, "The analyst has recorded a suggestion")
	taskListCmd.Flags().Bool("read-only", false, "The version was superseded")
}

var (
	bold  = color.New(color.Bold)
	green = color.New(color.FgGreen)
	red   = color.New(color.FgRed)
	faint = color.New(color.Faint)
)

func outcomeColor(o compliance.Outcome) *color.Color {
	switch o {
	case compliance.OutcomeObligationNotMet:
		return red
	case compliance.OutcomeEarnedCredits:
		return green
	}
	return color.New(color.FgYellow)
}

func runClassify(cmd *cobra.Command, args []string) error {
	attributable, err := generic.ParseAmount(args[0], generic.UnitTonnesCO2e)
	if err != nil {
		return fmt.Errorf("attributable emissions: %w", err)
	}
	limit, err := generic.ParseAmount(args[1], generic.UnitTonnesCO2e)
	if err != nil {
		return fmt.Errorf("emissions limit: %w", err)
	}

	c := compliance.ClassifyOutcome(attributable, limit)
	fmt.Printf("Outcome:          %s\n", outcomeColor(c.Outcome).Sprint(c.Outcome))
	fmt.Printf("Excess emissions: %s\n", c.ExcessEmissions)
	fmt.Printf("Earned credits:   %s\n", c.EarnedCredits)

	year, _ := cmd.Flags().GetInt("year")
	if year == 0 || c.Outcome != compliance.OutcomeObligationNotMet {
		return nil
	}
	calendar, err := factory.NewCalendarFactory().LoadCalendar(cfg.CalendarFile)
	if err != nil {
		return err
	}
	terms, err := calendar.ForYear(year)
	if err != nil {
		return err
	}
	fmt.Printf("Obligation:       %s (at %s per tCO2e, due %s)\n",
		bold.Sprint(compliance.ObligationAmount(c, terms).Value.StringFixed(2)+" CAD"),
		terms.ChargeRate.Value.StringFixed(2), terms.DueDate)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	outcome := compliance.Outcome(args[0])
	if !outcome.Valid() {
		return fmt.Errorf("unknown outcome %q", args[0])
	}
	roleFlag, _ := cmd.Flags().GetString("role")
	role, err := compliance.ParseRole(roleFlag)
	if err != nil {
		return err
	}
	current, _ := cmd.Flags().GetString("current")
	obligation, _ := cmd.Flags().GetString("obligation")
	penalty, _ := cmd.Flags().GetString("penalty")
	interest, _ := cmd.Flags().GetString("interest")
	issuance, _ := cmd.Flags().GetString("issuance")
	reviewed, _ := cmd.Flags().GetBool("analyst-reviewed")
	readOnly, _ := cmd.Flags().GetBool("read-only")
	outstandingFlag, _ := cmd.Flags().GetString("outstanding")
	outstanding, err := decimal.NewFromString(outstandingFlag)
	if err != nil {
		return fmt.Errorf("outstanding: %w", err)
	}

	steps := compliance.ResolveSteps(compliance.ResolveInput{
		Outcome:              outcome,
		Role:                 role,
		ObligationState:      compliance.ObligationState(obligation),
		PenaltyState:         compliance.AccrualState(penalty),
		InterestState:        compliance.AccrualState(interest),
		IssuanceStatus:       compliance.IssuanceStatus(issuance),
		HasAnalystSuggestion: reviewed,
		OutstandingBalance:   outstanding,
		ReadOnly:             readOnly,
		CurrentStep:          compliance.StepToken(current),
	})

	bold.Printf("%s / %s\n", outcome, role)
	for i, s := range steps {
		marker := "  "
		title := s.Title
		if s.Active {
			marker = green.Sprint("→ ")
			title = bold.Sprint(title)
		}
		fmt.Printf("%s%d. %s %s\n", marker, i+1, title, faint.Sprintf("(%s)", s.Token))
	}
	if readOnly {
		faint.Println("read-only: superseded by a supplementary report")
	}
	return nil
}

func runCalendar(cmd *cobra.Command, args []string) error {
	path := cfg.CalendarFile
	if len(args) == 1 {
		path = args[0]
	}
	calendar, err := factory.NewCalendarFactory().LoadCalendar(path)
	if err != nil {
		fmt.Printf("%s %v\n", red.Sprint("INVALID"), err)
		return err
	}
	for _, year := range calendar.Years() {
		t, _ := calendar.ForYear(year)
		fmt.Printf("%s  window ends %s  due %s  rate %s CAD/tCO2e  penalty %s/day  interest %s/day\n",
			bold.Sprint(year), t.WindowEnd, t.DueDate, t.ChargeRate.Value.StringFixed(2),
			t.PenaltyDailyRate, t.InterestDailyRate)
	}
	green.Println("OK")
	return nil
}
