package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/getfinn/scriptrunner/internal/launcher"
	"github.com/getfinn/scriptrunner/internal/signature"
)

const closingHint = "Script execution completed. You can close this window."

// wrapperParams is everything a wrapper script needs.
type wrapperParams struct {
	WindowTitle string
	Script      string
	OutputPath  string
	StartMarker string
	EndMarker   string
	Context     RunContext
	HoldOpen    bool
}

func (p wrapperParams) packagesLine() string {
	if len(p.Context.NewPackages) == 0 {
		return "No new packages installed"
	}
	return "New packages installed: " + strings.Join(p.Context.NewPackages, ", ")
}

// writeWrapper renders the wrapper for the launcher's shell and writes it
// with the executable bit set.
func writeWrapper(path string, style launcher.Style, p wrapperParams) error {
	var body string
	if style.Shell == launcher.ShellPowerShell {
		body = renderPowerShell(p)
	} else {
		body = renderBash(p)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		return fmt.Errorf("write wrapper: %w", err)
	}
	return nil
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func renderBash(p wrapperParams) string {
	var b strings.Builder
	out := shQuote(p.OutputPath)

	b.WriteString("#!/usr/bin/env bash\n")
	fmt.Fprintf(&b, "printf '\\033]0;%%s\\007' %s\n", shQuote(p.WindowTitle))
	if act := p.Context.Activation; act.Path != "" {
		fmt.Fprintf(&b, "echo %s\n", shQuote(act.Command))
		fmt.Fprintf(&b, "if [ -f %s ]; then source %s; fi\n", shQuote(act.Path), shQuote(act.Path))
	}
	fmt.Fprintf(&b, "echo %s\n", shQuote(p.packagesLine()))
	fmt.Fprintf(&b, "echo %s\n", shQuote("Running script: "+filepath.Base(p.Script)))

	argv := []string{shQuote(p.Context.Interpreter)}
	for _, a := range p.Context.InterpreterArgs {
		argv = append(argv, shQuote(a))
	}
	argv = append(argv, shQuote(p.Script))

	fmt.Fprintf(&b, "echo %s > %s\n", shQuote(p.StartMarker), out)
	fmt.Fprintf(&b, "%s 2>&1 | tee -a %s\n", strings.Join(argv, " "), out)
	b.WriteString("status=${PIPESTATUS[0]}\n")
	b.WriteString("if [ \"$status\" -ne 0 ]; then\n")
	fmt.Fprintf(&b, "  echo \"%s $status\" | tee -a %s\n", signature.ExitLinePrefix, out)
	b.WriteString("fi\n")
	fmt.Fprintf(&b, "echo %s >> %s\n", shQuote(p.EndMarker), out)
	b.WriteString("echo\n")
	fmt.Fprintf(&b, "echo %s\n", shQuote(closingHint))
	if p.HoldOpen {
		b.WriteString("exec bash\n")
	}
	return b.String()
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func renderPowerShell(p wrapperParams) string {
	var b strings.Builder
	out := psQuote(p.OutputPath)

	fmt.Fprintf(&b, "$Host.UI.RawUI.WindowTitle = %s\n", psQuote(p.WindowTitle))
	if act := p.Context.Activation; act.Path != "" {
		fmt.Fprintf(&b, "Write-Host %s\n", psQuote(act.Command))
		fmt.Fprintf(&b, "if (Test-Path %s) { . %s }\n", psQuote(act.Path), psQuote(act.Path))
	}
	fmt.Fprintf(&b, "Write-Host %s\n", psQuote(p.packagesLine()))
	fmt.Fprintf(&b, "Write-Host %s\n", psQuote("Running script: "+filepath.Base(p.Script)))

	args := make([]string, 0, len(p.Context.InterpreterArgs)+1)
	for _, a := range p.Context.InterpreterArgs {
		args = append(args, psQuote(a))
	}
	args = append(args, psQuote(p.Script))

	fmt.Fprintf(&b, "Set-Content -Path %s -Value %s -Encoding UTF8\n", out, psQuote(p.StartMarker))
	fmt.Fprintf(&b, "& %s %s 2>&1 | ForEach-Object { $line = \"$_\"; Write-Host $line; Add-Content -Path %s -Value $line -Encoding UTF8 }\n",
		psQuote(p.Context.Interpreter), strings.Join(args, " "), out)
	b.WriteString("$status = $LASTEXITCODE\n")
	b.WriteString("if ($status -ne 0) {\n")
	fmt.Fprintf(&b, "  $msg = \"%s $status\"\n", signature.ExitLinePrefix)
	b.WriteString("  Write-Host $msg\n")
	fmt.Fprintf(&b, "  Add-Content -Path %s -Value $msg -Encoding UTF8\n", out)
	b.WriteString("}\n")
	fmt.Fprintf(&b, "Add-Content -Path %s -Value %s -Encoding UTF8\n", out, psQuote(p.EndMarker))
	b.WriteString("Write-Host ''\n")
	fmt.Fprintf(&b, "Write-Host %s\n", psQuote(closingHint))
	return b.String()
}
