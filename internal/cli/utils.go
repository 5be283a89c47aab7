package cli

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	prettyjson "github.com/hokaccha/go-prettyjson"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func logJSONCmd(cmd cobra.Command, iList ...any) {
	for _, i := range iList {
		m, err := json.Marshal(i)
		if err != nil {
			logErrorCmd(cmd, err)
			return
		}

		f := prettyjson.NewFormatter()
		f.DisabledColor = color.NoColor
		pj, err := f.Format(m)
		if err != nil {
			logErrorCmd(cmd, err)
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", string(pj))
	}
}

// logYAMLCmd prints i as YAML with the same keys as its JSON form.
func logYAMLCmd(cmd cobra.Command, i any) {
	m, err := json.Marshal(i)
	if err != nil {
		logErrorCmd(cmd, err)
		return
	}
	var v any
	if err := yaml.Unmarshal(m, &v); err != nil {
		logErrorCmd(cmd, err)
		return
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		logErrorCmd(cmd, err)
		return
	}
	fmt.Fprint(cmd.OutOrStdout(), string(out))
}

func logUsageCmd(cmd cobra.Command, u string) {
	fmt.Fprint(cmd.OutOrStdout(), color.YellowString("\nusage: %s\n\n", u))
}

func logErrorCmd(cmd cobra.Command, err error) {
	boldRed := color.New(color.FgRed, color.Bold)
	boldRed.Fprintf(cmd.ErrOrStderr(), "\nerror: ")
	fmt.Fprintf(cmd.ErrOrStderr(), "%s\n\n", color.RedString("%s", err))
}

func logOKCmd(cmd cobra.Command, msg string) {
	fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n\n", color.GreenString("%s", msg))
}
