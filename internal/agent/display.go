package agent

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fatih/color"

	"github.com/relaylink/relaylink/internal/protocol"
)

const maxBodyDisplay = 500

var (
	methodColors = map[string]*color.Color{
		"GET":     color.New(color.FgGreen),
		"POST":    color.New(color.FgYellow),
		"PUT":     color.New(color.FgBlue),
		"DELETE":  color.New(color.FgRed),
		"PATCH":   color.New(color.FgMagenta),
		"OPTIONS": color.New(color.FgCyan),
		"HEAD":    color.New(color.FgWhite),
	}
	defaultMethodColor = color.New(color.FgWhite)

	statusColors = map[int]*color.Color{
		2: color.New(color.FgGreen),
		3: color.New(color.FgCyan),
		4: color.New(color.FgYellow),
		5: color.New(color.FgRed),
	}
	defaultStatusColor = color.New(color.FgWhite)

	dimColor   = color.New(color.Faint)
	arrowColor = color.New(color.FgCyan)
	idColor    = color.New(color.FgHiBlack)
	bodyColor  = color.New(color.FgHiBlack)
)

// Display prints a line-per-exchange log to stdout; the alternative to the
// bubbletea TUI for agents run non-interactively.
type Display struct {
	target  string
	verbose bool
}

// NewDisplay creates a line-log display for requests forwarded to target.
func NewDisplay(target string, verbose bool) *Display {
	return &Display{target: target, verbose: verbose}
}

// LogRequest logs an inbound proxied request.
func (d *Display) LogRequest(req *protocol.HTTPRequest) {
	timestamp := time.Now().Format("15:04:05")

	mc := methodColors[req.Method]
	if mc == nil {
		mc = defaultMethodColor
	}

	fmt.Printf("%s %s %s %s %s\n",
		dimColor.Sprintf("[%s]", timestamp),
		arrowColor.Sprint("→"),
		mc.Sprintf("%-7s", req.Method),
		req.Path,
		idColor.Sprintf("(%s)", req.ID),
	)

	if d.verbose && len(req.Body) > 0 {
		d.logBody("   req", req.Body)
	}
}

// LogResponse logs the local origin's response to a request.
func (d *Display) LogResponse(status int, body []byte, duration time.Duration) {
	timestamp := time.Now().Format("15:04:05")

	sc := statusColors[status/100]
	if sc == nil {
		sc = defaultStatusColor
	}

	fmt.Printf("%s %s %s %s\n",
		dimColor.Sprintf("[%s]", timestamp),
		arrowColor.Sprint("←"),
		sc.Sprintf("%d", status),
		dimColor.Sprintf("(%s)", formatDuration(duration)),
	)

	if d.verbose && len(body) > 0 {
		d.logBody("   res", body)
	}
}

// LogError logs a failure forwarding a request to the local origin.
func (d *Display) LogError(err error) {
	timestamp := time.Now().Format("15:04:05")
	fmt.Printf("%s %s %s\n",
		dimColor.Sprintf("[%s]", timestamp),
		color.RedString("✗"),
		color.RedString("error: %v", err),
	)
}

// LogConnected announces a successful control channel attachment.
func (d *Display) LogConnected(tunnelID, publicURL string) {
	fmt.Println()
	color.Green("✓ Connected!")
	fmt.Println()
	fmt.Printf("  Tunnel ID:  %s\n", color.CyanString(tunnelID))
	fmt.Printf("  Public URL: %s\n", color.CyanString(publicURL))
	fmt.Printf("  Forwarding: %s\n", color.CyanString(d.target))
	fmt.Println()
	fmt.Println(dimColor.Sprint("  Waiting for requests..."))
	fmt.Println(strings.Repeat("─", 50))
}

// LogDisconnected logs a channel drop.
func (d *Display) LogDisconnected(err error) {
	if err != nil {
		color.Yellow("\n⚠ Disconnected: %v", err)
	} else {
		color.Yellow("\n⚠ Disconnected")
	}
}

// LogReconnecting logs a reconnection attempt within the fixed-interval,
// capped-attempt state machine.
func (d *Display) LogReconnecting(attempt, maxAttempts int) {
	color.Yellow("↻ Reconnecting (attempt %d/%d)...", attempt, maxAttempts)
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func (d *Display) logBody(prefix string, body []byte) {
	if !isTextBody(body) {
		fmt.Printf("%s %s\n", bodyColor.Sprint(prefix), dimColor.Sprintf("[binary %d bytes]", len(body)))
		return
	}

	s := string(body)
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\t", " ")

	truncated := false
	if len(s) > maxBodyDisplay {
		s = s[:maxBodyDisplay]
		truncated = true
	}

	if truncated {
		fmt.Printf("%s %s%s\n", bodyColor.Sprint(prefix), bodyColor.Sprint(s), dimColor.Sprint("..."))
	} else {
		fmt.Printf("%s %s\n", bodyColor.Sprint(prefix), bodyColor.Sprint(s))
	}
}

func isTextBody(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	if !utf8.Valid(body) {
		return false
	}
	sample := body
	if len(sample) > 512 {
		sample = sample[:512]
	}
	controlChars := 0
	for _, b := range sample {
		if b < 32 && b != '\n' && b != '\r' && b != '\t' {
			controlChars++
		}
	}
	return float64(controlChars)/float64(len(sample)) < 0.1
}
