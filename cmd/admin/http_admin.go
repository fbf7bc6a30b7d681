package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

func sessionsCmd(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	os.Exit(getAdmin(os.Stdout, *baseURL, "/admin/v1/sessions", nil))
}

func leaderboardCmd(args []string) {
	fs := flag.NewFlagSet("leaderboard", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	n := fs.Int("n", 10, "number of rows")
	_ = fs.Parse(args)

	os.Exit(getAdmin(os.Stdout, *baseURL, "/admin/v1/leaderboard", url.Values{"n": {strconv.Itoa(*n)}}))
}

// getAdmin prints the body of a GET against the server's admin API and
// returns the process exit code.
func getAdmin(w io.Writer, baseURL, path string, q url.Values) int {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		return 1
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(w, strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return 1
	}
	return 0
}
