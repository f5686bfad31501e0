package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/AnandSundar/go-plantid/model"
)

func newIdentifyCmd(configPath *string) *cobra.Command {
	var (
		organs   []string
		language string
		userID   string
	)

	cmd := &cobra.Command{
		Use:   "identify <image>",
		Short: "Identify the plant in an image and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			result, err := a.service.Identify(ctx, model.Request{
				Image: model.Image{
					Data:        data,
					ContentType: http.DetectContentType(data),
					Filename:    filepath.Base(args[0]),
				},
				Organs:   organs,
				Language: language,
				User:     model.User{ID: userID, Anonymous: userID == ""},
			})
			if err != nil {
				return fmt.Errorf("identify %s: %w", args[0], err)
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	cmd.Flags().StringSliceVar(&organs, "organ", nil, "pictured organ: leaf, flower, fruit, bark, auto")
	cmd.Flags().StringVar(&language, "lang", "en", "language of common names")
	cmd.Flags().StringVar(&userID, "user", "", "requesting user id")
	return cmd
}
