package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	exitOn(adminRequest(os.Stdout, http.MethodGet, endpoint(*baseURL, "/admin/v1/state", nil), 5*time.Second))
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	exitOn(adminRequest(os.Stdout, http.MethodPost, endpoint(*baseURL, "/admin/v1/snapshot", nil), 10*time.Second))
}

func readoutCmd(args []string) {
	fs := flag.NewFlagSet("readout", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	grid := fs.String("grid", "", "grid id")
	x := fs.Int("x", 0, "tile x")
	y := fs.Int("y", 0, "tile y")
	node := fs.Uint64("node", 0, "pipe node id (instead of a tile)")
	_ = fs.Parse(args)

	q := url.Values{}
	if *node != 0 {
		q.Set("node", fmt.Sprint(*node))
	} else {
		q.Set("grid", *grid)
		q.Set("x", fmt.Sprint(*x))
		q.Set("y", fmt.Sprint(*y))
	}
	exitOn(adminRequest(os.Stdout, http.MethodGet, endpoint(*baseURL, "/admin/v1/observer/readout", q), 5*time.Second))
}

func endpoint(base, path string, q url.Values) string {
	u := strings.TrimRight(strings.TrimSpace(base), "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// adminRequest copies the response body to w. Non-2xx is an error.
func adminRequest(w io.Writer, method, u string, timeout time.Duration) error {
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return err
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(w, strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
