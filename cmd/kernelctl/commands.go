package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/R3E-Network/kernel_layer/internal/cli"
)

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"proposals":  proposalsCmd,
	"upgrades":   upgradesCmd,
	"deps":       depsCmd,
	"validation": validationCmd,
	"keeper":     keeperCmd,
	"authority":  authorityCmd,
	"events":     eventsCmd,
	"health":     healthCmd,
	"completion": completionCmd,
}

type proposalView struct {
	ID             uint64 `json:"id"`
	Proxy          string `json:"proxy_module"`
	Implementation string `json:"new_implementation"`
	Status         string `json:"status"`
	ApprovalCount  int    `json:"approval_count"`
	Proposer       string `json:"proposer"`
	Description    string `json:"description"`
}

type upgradeView struct {
	ID               uint64    `json:"id"`
	Proxy            string    `json:"proxy_module"`
	Implementation   string    `json:"new_implementation"`
	ScheduledTime    time.Time `json:"scheduled_time"`
	Status           string    `json:"status"`
	Reference        string    `json:"reference"`
	Emergency        bool      `json:"emergency"`
	RemainingSeconds int64     `json:"remaining_seconds"`
	ApplyError       string    `json:"apply_error"`
}

type edgeView struct {
	Dependent  string `json:"dependent"`
	Dependency string `json:"dependency"`
	IsValid    bool   `json:"is_valid"`
}

// action splits "<action> args..." and checks the arity.
func action(group string, args []string) (string, []string, error) {
	if len(args) == 0 {
		return "", nil, usagef("%s: missing action (%s)", group, strings.Join(cli.Commands[group], ", "))
	}
	return args[0], args[1:], nil
}

func want(args []string, n int, shape string) error {
	if len(args) != n {
		return usagef("expected %s", shape)
	}
	return nil
}

func parseID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, usagef("invalid id %q", raw)
	}
	return id, nil
}

// show prints v as JSON, or as a table when render is set and -json is off.
func (a *app) show(v interface{}, render func() error) error {
	if a.raw || render == nil {
		return a.out.JSON(v)
	}
	return render()
}

func (a *app) proposalTable(all []proposalView) error {
	rows := make([][]string, len(all))
	for i, p := range all {
		rows[i] = []string{strconv.FormatUint(p.ID, 10), p.Status, strconv.Itoa(p.ApprovalCount), p.Proxy, p.Implementation, p.Proposer}
	}
	return a.out.Table([]string{"id", "status", "approvals", "proxy", "implementation", "proposer"}, rows)
}

func (a *app) upgradeTable(all []upgradeView) error {
	rows := make([][]string, len(all))
	for i, u := range all {
		eta := "-"
		if u.Status == "scheduled" {
			eta = cli.FormatDuration(time.Duration(u.RemainingSeconds) * time.Second)
		}
		rows[i] = []string{strconv.FormatUint(u.ID, 10), u.Status, eta, u.Proxy, u.Implementation, u.Reference}
	}
	return a.out.Table([]string{"id", "status", "eta", "proxy", "implementation", "reference"}, rows)
}

func proposalsCmd(ctx context.Context, a *app, args []string) error {
	act, rest, err := action("proposals", args)
	if err != nil {
		return err
	}
	switch act {
	case "list":
		fs := flag.NewFlagSet("proposals list", flag.ContinueOnError)
		status := fs.String("status", "", "filter by status")
		if err := fs.Parse(rest); err != nil {
			return usagef("%v", err)
		}
		path := "/v1/proposals"
		if *status != "" {
			path += "?status=" + url.QueryEscape(*status)
		}
		var all []proposalView
		if err := a.client.Get(ctx, path, &all); err != nil {
			return err
		}
		return a.show(all, func() error { return a.proposalTable(all) })
	case "show":
		if err := want(rest, 1, "proposals show <id>"); err != nil {
			return err
		}
		id, err := parseID(rest[0])
		if err != nil {
			return err
		}
		var p proposalView
		if err := a.client.Get(ctx, fmt.Sprintf("/v1/proposals/%d", id), &p); err != nil {
			return err
		}
		return a.out.JSON(p)
	case "propose":
		fs := flag.NewFlagSet("proposals propose", flag.ContinueOnError)
		proxy := fs.String("proxy", "", "proxy address")
		impl := fs.String("impl", "", "new implementation address")
		desc := fs.String("desc", "", "description")
		if err := fs.Parse(rest); err != nil {
			return usagef("%v", err)
		}
		var p proposalView
		body := map[string]string{"proxy": *proxy, "implementation": *impl, "description": *desc}
		if err := a.client.Post(ctx, "/v1/proposals", body, &p); err != nil {
			return err
		}
		a.out.Success("proposal %d created", p.ID)
		return a.out.JSON(p)
	case "approve", "reject", "execute":
		if err := want(rest, 1, "proposals "+act+" <id>"); err != nil {
			return err
		}
		id, err := parseID(rest[0])
		if err != nil {
			return err
		}
		var p proposalView
		if err := a.client.Post(ctx, fmt.Sprintf("/v1/proposals/%d/%s", id, act), nil, &p); err != nil {
			return err
		}
		a.out.Success("proposal %d is %s (%d approvals)", p.ID, p.Status, p.ApprovalCount)
		return nil
	case "schedule":
		fs := flag.NewFlagSet("proposals schedule", flag.ContinueOnError)
		module := fs.String("module", "", "module code whose dependencies must be valid")
		if err := fs.Parse(rest); err != nil {
			return usagef("%v", err)
		}
		if fs.NArg() != 1 {
			return usagef("expected proposals schedule [-module CODE] <id>")
		}
		id, err := parseID(fs.Arg(0))
		if err != nil {
			return err
		}
		var u upgradeView
		if err := a.client.Post(ctx, fmt.Sprintf("/v1/proposals/%d/schedule", id), map[string]string{"module": *module}, &u); err != nil {
			return err
		}
		a.out.Success("upgrade %d scheduled for %s", u.ID, u.ScheduledTime.Format(time.RFC3339))
		return nil
	}
	return usagef("proposals: unknown action %q", act)
}

func upgradesCmd(ctx context.Context, a *app, args []string) error {
	act, rest, err := action("upgrades", args)
	if err != nil {
		return err
	}
	switch act {
	case "list", "due":
		fs := flag.NewFlagSet("upgrades "+act, flag.ContinueOnError)
		status := fs.String("status", "", "filter by status")
		if err := fs.Parse(rest); err != nil {
			return usagef("%v", err)
		}
		path := "/v1/upgrades"
		if act == "due" {
			path += "/due"
		} else if *status != "" {
			path += "?status=" + url.QueryEscape(*status)
		}
		var all []upgradeView
		if err := a.client.Get(ctx, path, &all); err != nil {
			return err
		}
		return a.show(all, func() error { return a.upgradeTable(all) })
	case "show":
		if err := want(rest, 1, "upgrades show <id>"); err != nil {
			return err
		}
		id, err := parseID(rest[0])
		if err != nil {
			return err
		}
		var u upgradeView
		if err := a.client.Get(ctx, fmt.Sprintf("/v1/upgrades/%d", id), &u); err != nil {
			return err
		}
		return a.out.JSON(u)
	case "execute", "emergency", "cancel":
		if err := want(rest, 1, "upgrades "+act+" <id>"); err != nil {
			return err
		}
		id, err := parseID(rest[0])
		if err != nil {
			return err
		}
		endpoint := act
		if act == "emergency" {
			endpoint = "emergency-execute"
		}
		var u upgradeView
		if err := a.client.Post(ctx, fmt.Sprintf("/v1/upgrades/%d/%s", id, endpoint), nil, &u); err != nil {
			return err
		}
		if u.ApplyError != "" {
			a.out.Warning("upgrade %d executed but the swap failed: %s", u.ID, u.ApplyError)
			return nil
		}
		a.out.Success("upgrade %d is %s", u.ID, u.Status)
		return nil
	case "delay":
		if err := want(rest, 2, "upgrades delay <id> <duration>"); err != nil {
			return err
		}
		id, err := parseID(rest[0])
		if err != nil {
			return err
		}
		var u upgradeView
		if err := a.client.Post(ctx, fmt.Sprintf("/v1/upgrades/%d/delay", id), map[string]string{"duration": rest[1]}, &u); err != nil {
			return err
		}
		a.out.Success("upgrade %d now due at %s", u.ID, u.ScheduledTime.Format(time.RFC3339))
		return nil
	}
	return usagef("upgrades: unknown action %q", act)
}

func depsCmd(ctx context.Context, a *app, args []string) error {
	act, rest, err := action("deps", args)
	if err != nil {
		return err
	}
	edgeTable := func(all []edgeView) func() error {
		return func() error {
			rows := make([][]string, len(all))
			for i, e := range all {
				rows[i] = []string{e.Dependent, e.Dependency, strconv.FormatBool(e.IsValid)}
			}
			return a.out.Table([]string{"dependent", "dependency", "valid"}, rows)
		}
	}
	switch act {
	case "list":
		var all []edgeView
		if err := a.client.Get(ctx, "/v1/dependencies", &all); err != nil {
			return err
		}
		return a.show(all, edgeTable(all))
	case "stats":
		var stats map[string]int
		if err := a.client.Get(ctx, "/v1/dependencies/stats", &stats); err != nil {
			return err
		}
		return a.out.JSON(stats)
	case "add":
		if err := want(rest, 2, "deps add <dependent> <dependency>"); err != nil {
			return err
		}
		if err := a.client.Post(ctx, "/v1/dependencies", map[string]string{"dependent": rest[0], "dependency": rest[1]}, nil); err != nil {
			return err
		}
		a.out.Success("%s now depends on %s", strings.ToUpper(rest[0]), strings.ToUpper(rest[1]))
		return nil
	case "remove":
		if err := want(rest, 2, "deps remove <dependent> <dependency>"); err != nil {
			return err
		}
		if err := a.client.Delete(ctx, edgePath(rest[0], rest[1])); err != nil {
			return err
		}
		a.out.Success("removed %s -> %s", strings.ToUpper(rest[0]), strings.ToUpper(rest[1]))
		return nil
	case "validate":
		if err := want(rest, 3, "deps validate <dependent> <dependency> <true|false>"); err != nil {
			return err
		}
		valid, err := strconv.ParseBool(rest[2])
		if err != nil {
			return usagef("invalid validity %q", rest[2])
		}
		var e edgeView
		if err := a.client.Post(ctx, edgePath(rest[0], rest[1])+"/validate", map[string]bool{"valid": valid}, &e); err != nil {
			return err
		}
		a.out.Success("%s -> %s valid=%t", e.Dependent, e.Dependency, e.IsValid)
		return nil
	case "of", "dependents", "invalid":
		if err := want(rest, 1, "deps "+act+" <module>"); err != nil {
			return err
		}
		suffix := map[string]string{"of": "dependencies", "dependents": "dependents", "invalid": "invalid-dependencies"}[act]
		var out interface{}
		if err := a.client.Get(ctx, "/v1/modules/"+url.PathEscape(rest[0])+"/"+suffix, &out); err != nil {
			return err
		}
		return a.out.JSON(out)
	}
	return usagef("deps: unknown action %q", act)
}

func edgePath(dependent, dependency string) string {
	return "/v1/dependencies/" + url.PathEscape(dependent) + "/" + url.PathEscape(dependency)
}

func validationCmd(ctx context.Context, a *app, args []string) error {
	act, rest, err := action("validation", args)
	if err != nil {
		return err
	}
	switch act {
	case "show", "results":
		if err := want(rest, 1, "validation "+act+" <implementation>"); err != nil {
			return err
		}
		path := "/v1/implementations/" + url.PathEscape(rest[0])
		if act == "results" {
			path += "/results"
		}
		var out interface{}
		if err := a.client.Get(ctx, path, &out); err != nil {
			return err
		}
		return a.out.JSON(out)
	case "report":
		fs := flag.NewFlagSet("validation report", flag.ContinueOnError)
		details := fs.String("details", "", "free-form report")
		if err := fs.Parse(rest); err != nil {
			return usagef("%v", err)
		}
		if fs.NArg() != 3 {
			return usagef("expected validation report [-details TEXT] <implementation> <rule-id> <pass|fail>")
		}
		ruleID, err := parseID(fs.Arg(1))
		if err != nil {
			return err
		}
		var success bool
		switch strings.ToLower(fs.Arg(2)) {
		case "pass", "ok", "true":
			success = true
		case "fail", "false":
		default:
			return usagef("result must be pass or fail, got %q", fs.Arg(2))
		}
		var out struct {
			Status   string `json:"status"`
			Accepted bool   `json:"accepted"`
		}
		path := fmt.Sprintf("/v1/implementations/%s/rules/%d", url.PathEscape(fs.Arg(0)), ruleID)
		if err := a.client.Post(ctx, path, map[string]interface{}{"success": success, "details": *details}, &out); err != nil {
			return err
		}
		a.out.Success("recorded; validation is %s (accepted=%t)", out.Status, out.Accepted)
		return nil
	case "approve":
		if err := want(rest, 1, "validation approve <implementation>"); err != nil {
			return err
		}
		var out struct {
			Status   string `json:"status"`
			Accepted bool   `json:"accepted"`
		}
		if err := a.client.Post(ctx, "/v1/implementations/"+url.PathEscape(rest[0])+"/approve", nil, &out); err != nil {
			return err
		}
		a.out.Success("approval recorded; validation is %s (accepted=%t)", out.Status, out.Accepted)
		return nil
	case "rules", "validators":
		var out interface{}
		if err := a.client.Get(ctx, "/v1/"+act, &out); err != nil {
			return err
		}
		return a.out.JSON(out)
	}
	return usagef("validation: unknown action %q", act)
}

func keeperCmd(ctx context.Context, a *app, args []string) error {
	act, _, err := action("keeper", args)
	if err != nil {
		return err
	}
	if act != "run" {
		return usagef("keeper: unknown action %q", act)
	}
	var report struct {
		Executed []uint64          `json:"executed"`
		Failed   map[string]string `json:"failed"`
	}
	if err := a.client.Post(ctx, "/v1/keeper/run", nil, &report); err != nil {
		return err
	}
	for id, msg := range report.Failed {
		a.out.Warning("upgrade %s failed: %s", id, msg)
	}
	a.out.Success("executed %d upgrade(s)", len(report.Executed))
	return nil
}

func authorityCmd(ctx context.Context, a *app, args []string) error {
	act, rest, err := action("authority", args)
	if err != nil {
		return err
	}
	holders := map[string]string{}
	switch act {
	case "show":
		if err := a.client.Get(ctx, "/v1/authority", &holders); err != nil {
			return err
		}
	case "transfer":
		if err := want(rest, 2, "authority transfer <role> <principal>"); err != nil {
			return err
		}
		if err := a.client.Put(ctx, "/v1/authority/"+url.PathEscape(rest[0]), map[string]string{"principal": rest[1]}, &holders); err != nil {
			return err
		}
		a.out.Success("%s transferred to %s", rest[0], rest[1])
	default:
		return usagef("authority: unknown action %q", act)
	}
	return a.show(holders, func() error {
		rows := make([][]string, 0, len(holders))
		for _, role := range []string{"admin", "emergency_admin", "upgrade_manager"} {
			rows = append(rows, []string{role, holders[role]})
		}
		return a.out.Table([]string{"role", "holder"}, rows)
	})
}

func eventsCmd(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "number of events")
	component := fs.String("component", "", "filter by component")
	entity := fs.String("entity", "", "filter by entity (needs -component)")
	typ := fs.String("type", "", "filter by event type")
	follow := fs.Bool("follow", false, "stream new events until interrupted")
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}
	if *follow {
		q := url.Values{}
		for k, v := range map[string]string{"component": *component, "type": *typ} {
			if v != "" {
				q.Set(k, v)
			}
		}
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		a.out.Info("following events, Ctrl-C to stop")
		return a.client.Stream(ctx, "/v1/events/stream?"+q.Encode(), func(msg json.RawMessage) error {
			_, err := fmt.Fprintln(a.out.Out, string(msg))
			return err
		})
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(*limit))
	for k, v := range map[string]string{"component": *component, "entity": *entity, "type": *typ} {
		if v != "" {
			q.Set(k, v)
		}
	}
	var out interface{}
	if err := a.client.Get(ctx, "/v1/events?"+q.Encode(), &out); err != nil {
		return err
	}
	return a.out.JSON(out)
}

func healthCmd(ctx context.Context, a *app, _ []string) error {
	var out struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := a.client.Get(ctx, "/healthz", &out); err != nil {
		return err
	}
	a.out.Success("daemon is %s", out.Status)
	return nil
}

func completionCmd(_ context.Context, a *app, args []string) error {
	if err := want(args, 1, "completion <bash|zsh>"); err != nil {
		return err
	}
	return cli.WriteCompletion(a.out.Out, args[0])
}
