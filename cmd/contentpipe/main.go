// Command contentpipe is the operator CLI for the pipeline gateway.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type ui struct {
	title func(a ...any) string
	ok    func(a ...any) string
	info  func(a ...any) string
	warn  func(a ...any) string
	err   func(a ...any) string
	dim   func(a ...any) string
}

func newUI() *ui {
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

// globals are the persistent flags after profile and env resolution.
type globals struct {
	baseURL string
	token   string
	profile string
	retries int
	output  string
}

func main() {
	ui := newUI()
	if err := newRootCmd(ui).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.err("[ERROR]"), err)
		os.Exit(1)
	}
}

func newRootCmd(ui *ui) *cobra.Command {
	g := &globals{
		baseURL: getenv("CONTENTPIPE_BASE_URL", defaultBaseURL),
		token:   getenv("CONTENTPIPE_TOKEN", ""),
		profile: getenv("CONTENTPIPE_PROFILE", ""),
		retries: 3,
		output:  "text",
	}

	root := &cobra.Command{
		Use:           "contentpipe",
		Short:         "Drive the content pipeline gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetHelpTemplate(helpTemplate(ui, openProfiles().path))

	pf := root.PersistentFlags()
	pf.StringVar(&g.baseURL, "base-url", g.baseURL, "Gateway base URL")
	pf.StringVar(&g.token, "token", g.token, "Bearer token")
	pf.StringVar(&g.profile, "profile", g.profile, "Config profile")
	pf.IntVar(&g.retries, "retries", g.retries, "Retries for rate-limited or unavailable responses")
	pf.StringVarP(&g.output, "output", "o", g.output, "Output format: text|json")

	// Flags and env beat the stored profile.
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if g.output != "text" && g.output != "json" {
			return errors.New("output must be text or json")
		}
		cfg, err := openProfiles().load()
		if err != nil {
			fmt.Fprintln(os.Stderr, ui.warn("[WARN]"), "ignoring CLI config:", err)
		}
		name := cfg.active(g.profile)
		p := cfg.Profiles[name]
		explicit := func(flag, env string) bool {
			return cmd.Flags().Changed(flag) || strings.TrimSpace(os.Getenv(env)) != ""
		}
		if p.BaseURL != "" && !explicit("base-url", "CONTENTPIPE_BASE_URL") {
			g.baseURL = p.BaseURL
		}
		if p.Token != "" && !explicit("token", "CONTENTPIPE_TOKEN") {
			g.token = p.Token
		}
		if p.Retries > 0 && !cmd.Flags().Changed("retries") {
			g.retries = p.Retries
		}
		g.profile = name
		return nil
	}

	root.AddCommand(
		initCmd(g, ui),
		authCmd(g, ui),
		profilesCmd(ui),
		toolsCmd(g, ui),
		invokeCmd(g, ui),
		runCmd(g, ui),
		statusCmd(g, ui),
		historyCmd(g, ui),
		cancelCmd(g, ui),
		workersCmd(g, ui),
	)
	return root
}

func initCmd(g *globals, ui *ui) *cobra.Command {
	var (
		baseURL  string
		token    string
		noPrompt bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create or update a profile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store := openProfiles()
			name, err := store.update(g.profile, cmd.Flags().Changed("profile"), func(p *profile) error {
				url := firstNonEmpty(baseURL, p.BaseURL, defaultBaseURL)
				if !noPrompt {
					url = prompt(bufio.NewReader(os.Stdin), "Gateway URL", url)
					if token == "" {
						t, err := promptSecret("Token (optional)")
						if err != nil {
							return err
						}
						token = t
					}
				}
				p.BaseURL = strings.TrimRight(strings.TrimSpace(url), "/")
				if t := strings.TrimSpace(token); t != "" {
					p.Token = t
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s Initialized profile '%s' at %s\n", ui.ok("[OK]"), name, store.path)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "Gateway base URL")
	cmd.Flags().StringVar(&token, "set-token", "", "Bearer token to store")
	cmd.Flags().BoolVar(&noPrompt, "no-prompt", false, "Disable interactive prompts")
	return cmd
}

func authCmd(g *globals, ui *ui) *cobra.Command {
	cmd := &cobra.Command{Use: "auth", Short: "Manage the stored token"}

	var token string
	set := &cobra.Command{
		Use:   "set",
		Short: "Store a token in the active profile",
		RunE: func(*cobra.Command, []string) error {
			if strings.TrimSpace(token) == "" {
				t, err := promptSecret("Token")
				if err != nil {
					return err
				}
				token = t
			}
			if token == "" {
				return errors.New("token is required")
			}
			name, err := openProfiles().update(g.profile, false, func(p *profile) error {
				p.Token = strings.TrimSpace(token)
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s Token stored for '%s'\n", ui.ok("[OK]"), name)
			return nil
		},
	}
	set.Flags().StringVar(&token, "value", "", "Token value (prompted when omitted)")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the active profile with the token masked",
		RunE: func(*cobra.Command, []string) error {
			store := openProfiles()
			cfg, err := store.load()
			if err != nil {
				return err
			}
			name := cfg.active(g.profile)
			p := cfg.Profiles[name]
			fmt.Printf("%s %s\n", ui.title("Profile:"), name)
			fmt.Printf("  %s %s\n", ui.dim("config:"), store.path)
			fmt.Printf("  %s %s\n", ui.dim("url:"), firstNonEmpty(p.BaseURL, "<unset>"))
			fmt.Printf("  %s %s\n", ui.dim("token:"), maskToken(p.Token))
			return nil
		},
	}

	clearTok := &cobra.Command{
		Use:   "clear",
		Short: "Remove the token from the active profile",
		RunE: func(*cobra.Command, []string) error {
			name, err := openProfiles().update(g.profile, false, func(p *profile) error {
				p.Token = ""
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s Token cleared for '%s'\n", ui.ok("[OK]"), name)
			return nil
		},
	}

	cmd.AddCommand(set, show, clearTok)
	return cmd
}

func profilesCmd(ui *ui) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List profiles",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := openProfiles().load()
			if err != nil {
				return err
			}
			current := cfg.active("")
			for _, name := range cfg.names() {
				marker := " "
				if name == current {
					marker = ui.ok("*")
				}
				fmt.Printf("%s %-16s %s\n", marker, name, ui.dim(cfg.Profiles[name].BaseURL))
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "use <name>",
		Short: "Make a stored profile current",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store := openProfiles()
			cfg, err := store.load()
			if err != nil {
				return err
			}
			if _, ok := cfg.Profiles[args[0]]; !ok {
				return fmt.Errorf("profile %q not found (have: %s)", args[0], strings.Join(cfg.names(), ", "))
			}
			cfg.CurrentProfile = args[0]
			if err := store.save(cfg); err != nil {
				return err
			}
			fmt.Printf("%s Using profile '%s'\n", ui.ok("[OK]"), args[0])
			return nil
		},
	})
	return cmd
}

func helpTemplate(ui *ui, cfgPath string) string {
	return fmt.Sprintf(`%s - CLI for the content pipeline gateway

Usage:
  {{.UseLine}}

Commands:
{{range .Commands}}{{if (or .IsAvailableCommand .IsAdditionalHelpTopicCommand)}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

Flags:
  {{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}

Global Flags:
  {{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}

Config:
  %s

Examples:
  contentpipe init
  contentpipe tools
  contentpipe invoke crawl --keyword "home espresso"
  contentpipe run --keyword "home espresso"
  contentpipe history --stage publish --limit 20

`, ui.title("contentpipe"), cfgPath)
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}
