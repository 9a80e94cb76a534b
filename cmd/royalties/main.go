/*
main.go - Operator CLI for the royalty ledger

PURPOSE:
  Drives a running royalty server over HTTP: shows the ledger one page
  at a time, triggers a recalculation and pays royalties. The ledger
  snapshot, pager and controllers run in this process; the server is
  only the ledger service.

COMMANDS:
  list      [-page N] [-page-size N]   One page plus the page-number window
  calculate                            Recalculate, then show page 1
  pay       -payer ID ID [ID...]       Pay royalties, concurrently
  payments                             Payment log

GLOBAL FLAGS:
  -config   Config file (client.base_url, client.timeout, ...)
  -url      Overrides client.base_url

EXAMPLES:
  royalties list -page 2
  royalties pay -payer admin-7 3 4 5
  ROYALTY_CLIENT_BASE_URL=http://ledger:8080 royalties calculate

SEE ALSO:
  - client/client.go: HTTP ledger service
  - royalty/payment.go: Concurrent payments with in-flight markers
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/warp/royalty-engine/client"
	"github.com/warp/royalty-engine/config"
	"github.com/warp/royalty-engine/logger"
	"github.com/warp/royalty-engine/royalty"
	"go.uber.org/zap"
)

const usage = `usage: royalties [-config FILE] [-url URL] <command> [flags]

commands:
  list       show one page of royalties
  calculate  recalculate royalties
  pay        pay royalties by id
  payments   show the payment log
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "royalties: %v\n", err)
		os.Exit(1)
	}
}

// app is everything one command needs.
type app struct {
	cfg      *config.Config
	client   *client.Client
	ledger   *royalty.LedgerStore
	payments *royalty.PaymentController
	log      *zap.Logger
	out      io.Writer
}

func run(ctx context.Context, args []string, out io.Writer) error {
	global := flag.NewFlagSet("royalties", flag.ContinueOnError)
	global.Usage = func() { fmt.Fprint(global.Output(), usage) }
	configFile := global.String("config", "", "config file path")
	baseURL := global.String("url", "", "royalty server URL (overrides config)")
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return errors.New("missing command")
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	if *baseURL != "" {
		cfg.Client.BaseURL = *baseURL
	}

	a, err := newApp(cfg, out)
	if err != nil {
		return err
	}
	defer a.close()

	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "list":
		return a.list(ctx, rest)
	case "calculate":
		return a.calculate(ctx, rest)
	case "pay":
		return a.pay(ctx, rest)
	case "payments":
		return a.listPayments(ctx)
	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newApp(cfg *config.Config, out io.Writer) (*app, error) {
	// Logs go to stderr so tables on stdout stay clean.
	logOpts := cfg.Log.Options()
	if logOpts.Output == "stdout" {
		logOpts.Output = "stderr"
	}
	log, err := logger.New(logOpts)
	if err != nil {
		return nil, err
	}

	c, err := client.New(client.Options{
		BaseURL:      cfg.Client.BaseURL,
		Timeout:      cfg.Client.Timeout,
		FetchRetries: cfg.Client.FetchRetries,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}

	ledger := royalty.NewLedgerStore(c, log)
	payments, err := royalty.NewPaymentController(ledger, c, log, royalty.PaymentOptions{
		Workers: cfg.Ledger.PaymentWorkers,
		Timeout: cfg.Ledger.PaymentTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, client: c, ledger: ledger, payments: payments, log: log, out: out}, nil
}

func (a *app) close() {
	a.payments.Close()
	a.log.Sync()
}

// =============================================================================
// COMMANDS
// =============================================================================

func (a *app) list(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	page := fs.Int("page", 1, "page number")
	pageSize := fs.Int("page-size", a.cfg.Ledger.PageSize, "rows per page")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *page < 1 || *pageSize < 1 {
		return errors.New("page and page-size must be positive")
	}

	if _, err := a.ledger.LoadAll(ctx); err != nil {
		return err
	}
	a.printPage(a.ledger.Page(*page, *pageSize))
	return nil
}

func (a *app) calculate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("calculate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	rc := royalty.NewRecomputeController(a.ledger, a.client, a.log)
	if err := rc.RecomputeAll(ctx); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "recalculated %d royalties\n\n", a.ledger.Len())
	a.printPage(a.ledger.Page(1, a.cfg.Ledger.PageSize))
	return nil
}

func (a *app) pay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pay", flag.ContinueOnError)
	payer := fs.String("payer", "", "id of the admin authorising the payment")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*payer) == "" {
		return errors.New("pay: -payer is required")
	}
	if fs.NArg() == 0 {
		return errors.New("pay: at least one royalty id is required")
	}

	ids := make([]royalty.RoyaltyID, 0, fs.NArg())
	for _, s := range fs.Args() {
		id, err := royalty.ParseRoyaltyID(s)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	if _, err := a.ledger.LoadAll(ctx); err != nil {
		return err
	}

	outcomes := a.payments.PayMany(ctx, ids, royalty.PayerID(strings.TrimSpace(*payer)))

	failed := 0
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROYALTY\tRESULT\tAMOUNT\tPAYMENT")
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			fmt.Fprintf(tw, "%s\tfailed\t-\t%v\n", o.RoyaltyID, o.Err)
			continue
		}
		fmt.Fprintf(tw, "%s\tpaid\t%s\t%s\n", o.RoyaltyID, royalty.FormatAmount(o.Result.Amount()), o.Result.Receipt.PaymentID)
	}
	tw.Flush()

	if failed > 0 {
		return fmt.Errorf("%d of %d payments failed", failed, len(outcomes))
	}
	return nil
}

func (a *app) listPayments(ctx context.Context) error {
	payments, err := a.client.ListPayments(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PAYMENT\tROYALTY\tPAYER\tAMOUNT\tPAID")
	for _, p := range payments {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			p.PaymentID, p.RoyaltyID, p.PayerID, royalty.FormatAmount(p.Amount), royalty.FormatDate(p.PaidAt))
	}
	return tw.Flush()
}

// =============================================================================
// OUTPUT
// =============================================================================

func (a *app) printPage(view royalty.PageView) {
	if view.TotalItems == 0 {
		fmt.Fprintln(a.out, "no royalties")
		return
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSONG\tARTIST\tSTREAMS\tAMOUNT\tCALCULATED\tSTATUS")
	for _, r := range view.Rows {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			r.RoyaltyID, r.SongID, r.ArtistID, r.TotalStreams,
			royalty.FormatAmount(r.RoyaltyAmount), royalty.FormatDate(r.CalculatedDate), r.Status)
	}
	tw.Flush()

	if !view.Window.ShowControls() {
		return
	}
	fmt.Fprintln(a.out)
	fmt.Fprintln(a.out, pageBar(view))
}

// pageBar renders "< 1 [2] 3 4 5 >" for the window around the current page.
func pageBar(view royalty.PageView) string {
	var b strings.Builder
	w := view.Window
	if w.HasPrev(view.CurrentPage) {
		b.WriteString("< ")
	}
	for i, p := range w.Pages() {
		if i > 0 {
			b.WriteByte(' ')
		}
		if p == view.CurrentPage {
			fmt.Fprintf(&b, "[%d]", p)
		} else {
			fmt.Fprintf(&b, "%d", p)
		}
	}
	if w.HasNext(view.CurrentPage) {
		b.WriteString(" >")
	}
	fmt.Fprintf(&b, "   page %d of %d", view.CurrentPage, w.TotalPages)
	return b.String()
}
