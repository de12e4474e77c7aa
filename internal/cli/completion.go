package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Commands maps each kernelctl command group to its actions.
var Commands = map[string][]string{
	"proposals":  {"list", "show", "propose", "approve", "reject", "execute", "schedule"},
	"upgrades":   {"list", "due", "show", "execute", "emergency", "cancel", "delay"},
	"deps":       {"list", "stats", "add", "remove", "validate", "of", "dependents", "invalid"},
	"validation": {"show", "results", "report", "approve", "rules", "validators"},
	"keeper":     {"run"},
	"authority":  {"show", "transfer"},
	"events":     nil,
	"health":     nil,
	"completion": {"bash", "zsh"},
}

// Groups returns the command groups sorted by name.
func Groups() []string {
	out := make([]string, 0, len(Commands))
	for g := range Commands {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

const globalFlags = "-server -principal -json -timeout"

// BashCompletion renders the bash completion script for kernelctl.
func BashCompletion() string {
	var cases strings.Builder
	for _, g := range Groups() {
		if len(Commands[g]) == 0 {
			continue
		}
		fmt.Fprintf(&cases, "        %s)\n            COMPREPLY=( $(compgen -W \"%s\" -- ${cur}) )\n            return 0\n            ;;\n",
			g, strings.Join(Commands[g], " "))
	}
	return fmt.Sprintf(`#!/bin/bash
# Bash completion for kernelctl

_kernelctl_completion() {
    local cur prev
    COMPREPLY=()
    cur="${COMP_WORDS[COMP_CWORD]}"
    prev="${COMP_WORDS[COMP_CWORD-1]}"

    case "${prev}" in
%s        -server|-principal|-timeout)
            return 0
            ;;
    esac

    COMPREPLY=( $(compgen -W "%s %s" -- ${cur}) )
    return 0
}

complete -F _kernelctl_completion kernelctl
`, cases.String(), strings.Join(Groups(), " "), globalFlags)
}

// ZshCompletion renders the zsh completion script for kernelctl.
func ZshCompletion() string {
	var args strings.Builder
	for _, g := range Groups() {
		if len(Commands[g]) == 0 {
			continue
		}
		fmt.Fprintf(&args, "                %s)\n                    _values '%s action' %s\n                    ;;\n",
			g, g, strings.Join(Commands[g], " "))
	}
	return fmt.Sprintf(`#compdef kernelctl

_kernelctl() {
    _arguments -C \
        '-server[Daemon base URL]:url:' \
        '-principal[Caller principal]:principal:' \
        '-json[Print raw JSON]' \
        '-timeout[Request timeout]:duration:' \
        '1: :->command' \
        '*:: :->args'

    case $state in
        command)
            _values 'command' %s
            ;;
        args)
            case $words[1] in
%s            esac
            ;;
    esac
}

_kernelctl "$@"
`, strings.Join(Groups(), " "), args.String())
}

// WriteCompletion writes the script for shell to w.
func WriteCompletion(w io.Writer, shell string) error {
	var script string
	switch shell {
	case "bash":
		script = BashCompletion()
	case "zsh":
		script = ZshCompletion()
	default:
		return fmt.Errorf("unsupported shell: %s (supported: bash, zsh)", shell)
	}
	_, err := io.WriteString(w, script)
	return err
}
