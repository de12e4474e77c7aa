// Command kernelctl drives a kernel daemon over its REST API: proposals,
// timelocked upgrades, dependency edges, validation and authority.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/R3E-Network/kernel_layer/internal/cli"
	"github.com/R3E-Network/kernel_layer/internal/httputil"
	"github.com/R3E-Network/kernel_layer/system/framework/core"
)

type app struct {
	client *httputil.Client
	out    *cli.Printer
	raw    bool
}

func main() {
	os.Exit(run(os.Args[1:], cli.NewPrinter()))
}

func run(args []string, out *cli.Printer) int {
	fs := flag.NewFlagSet("kernelctl", flag.ContinueOnError)
	fs.SetOutput(out.Err)
	server := fs.String("server", envOr("KERNELCTL_SERVER", "http://localhost:8080"), "daemon base URL")
	principal := fs.String("principal", os.Getenv("KERNELCTL_PRINCIPAL"), "caller principal sent as X-Principal")
	raw := fs.Bool("json", false, "print raw JSON instead of tables")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")
	fs.Usage = func() { usage(out.Err, fs) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}

	a := &app{
		client: httputil.NewClient(httputil.ClientConfig{BaseURL: *server, Principal: *principal, Timeout: *timeout}),
		out:    out,
		raw:    *raw,
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		out.Error("unknown command %q", rest[0])
		fs.Usage()
		return 2
	}
	if err := cmd(context.Background(), a, rest[1:]); err != nil {
		var usageErr usageError
		if errors.As(err, &usageErr) {
			out.Error("%s", usageErr.Error())
			return 2
		}
		out.Error("%v", err)
		return 1
	}
	return 0
}

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "usage: kernelctl [flags] <command> [action] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	for _, g := range cli.Groups() {
		fmt.Fprintf(w, "  %-11s %s\n", g, strings.Join(cli.Commands[g], " "))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "flags:")
	fs.PrintDefaults()
}

func envOr(key, fallback string) string {
	return core.TrimOrDefault(os.Getenv(key), fallback)
}

type usageError string

func (e usageError) Error() string { return string(e) }

func usagef(format string, args ...interface{}) error {
	return usageError(fmt.Sprintf(format, args...))
}
