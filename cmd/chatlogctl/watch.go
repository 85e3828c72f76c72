package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/matheus3301/chatlog/internal/api"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var watchCmd = &cobra.Command{
	Use:   "watch [talker]",
	Short: "Stream timeline events until interrupted",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var talker string
		if len(args) == 1 {
			talker = args[0]
		}
		c, _, err := dial()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		f, _ := parseFormat(outputFlag)
		w := cmd.OutOrStdout()
		err = c.Watch(cmd.Context(), talker, func(env *api.EventEnvelope) error {
			return printEvent(w, f, env)
		})
		if errors.Is(cmd.Context().Err(), context.Canceled) {
			return nil
		}
		return err
	},
}

// printEvent writes one event: a JSON line, a YAML document or a summary.
func printEvent(w io.Writer, f format, env *api.EventEnvelope) error {
	switch f {
	case formatJSON:
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case formatYAML:
		data, err := yaml.Marshal(env)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "---\n%s", data)
		return err
	}
	_, err := fmt.Fprintln(w, eventLine(env))
	return err
}

func eventLine(env *api.EventEnvelope) string {
	at := time.UnixMilli(env.OccurredAtUnixMs).Local().Format("15:04:05")
	line := fmt.Sprintf("%s %-18s %s", dimStyle.Render(at), env.Kind, env.Talker)
	if env.Added > 0 {
		line += fmt.Sprintf(" +%d", env.Added)
	}
	if env.FromCache {
		line += " (cache)"
	}
	if v := env.Timeline; v != nil {
		line += fmt.Sprintf(" v%d %d messages", v.Version, v.Counts.Messages)
		if v.Error != "" {
			line += " " + errorStyle.Render(v.Error)
		}
	}
	return line
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
