package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/sanctuary/internal/config"
)

// PromptInteractive asks for the roster and the local settings, starting
// from cfg. The result is validated; on failure cfg is returned unchanged
// with the error.
func PromptInteractive(r io.Reader, w io.Writer, dir, cfgPath string, cfg config.Config) (config.Config, error) {
	in := bufio.NewReader(r)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "Sanctuary setup")
	fmt.Fprintf(w, " Folder : %s\n", dir)
	fmt.Fprintf(w, " Config : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	out := cfg
	out.Roster = append([]config.Member(nil), cfg.Roster...)
	for len(out.Roster) < 2 {
		out.Roster = append(out.Roster, config.Member{ID: strconv.Itoa(len(out.Roster) + 1)})
	}

	you, partner := &out.Roster[0], &out.Roster[1]
	you.Name = askString(in, w, "Your name", you.Name)
	you.Email = askString(in, w, "Your email", you.Email)
	partner.Name = askString(in, w, "Partner name", partner.Name)
	partner.Email = askString(in, w, "Partner email", partner.Email)
	out.Identity.Email = you.Email

	out.Viewer.HTTPAddr = askString(in, w, "Viewer HTTP addr", out.Viewer.HTTPAddr)
	out.P2P.ListenPort = askInt(in, w, "Listen port (0=random)", out.P2P.ListenPort)
	out.Paths.InboxDir = askString(in, w, "Drop folder (empty=off)", out.Paths.InboxDir)
	out.Call.CaptureVideo = askBool(in, w, "Use camera in calls", out.Call.CaptureVideo)
	out.Call.CaptureAudio = askBool(in, w, "Use microphone in calls", out.Call.CaptureAudio)

	if err := out.Validate(); err != nil {
		return cfg, err
	}
	return out, nil
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
