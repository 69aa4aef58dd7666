package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func fetchCmd(baseURL, token *string, ui *ui) *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:     "fetch <bucket/key>",
		Short:   "Download a model file through the proxy",
		Example: "runctl fetch models/sdxl/model.safetensors -o model.safetensors",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			objectPath := strings.TrimPrefix(args[0], "/")
			if dest == "" {
				dest = path.Base(objectPath)
			}
			n, err := fetchObject(*baseURL, *token, objectPath, dest, true)
			if err != nil {
				return err
			}
			fmt.Printf("%s Saved %s (%d bytes)\n", ui.ok("[OK]"), dest, n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dest, "output", "o", "", "Destination file (defaults to the key's base name)")
	return cmd
}

// fetchObject streams /proxy/model/<objectPath> into dest. The token is optional;
// without it the server's default credentials apply.
func fetchObject(baseURL, token, objectPath, dest string, showBar bool) (int64, error) {
	req, err := http.NewRequest("GET", strings.TrimRight(baseURL, "/")+"/proxy/model/"+objectPath, nil)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	// no overall timeout: model files can be large
	resp, err := (&http.Client{Transport: &http.Transport{ResponseHeaderTimeout: 30 * time.Second}}).Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return 0, apiError(resp.StatusCode, body)
	}

	f, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	var w io.Writer = f
	if showBar {
		w = io.MultiWriter(f, progressbar.DefaultBytes(resp.ContentLength, "downloading"))
	}
	n, err := io.Copy(w, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dest)
		return 0, err
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		_ = os.Remove(dest)
		return 0, errors.New("short read from proxy")
	}
	return n, nil
}
