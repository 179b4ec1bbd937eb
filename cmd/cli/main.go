// cardiacam-cli: control client for a running cardiacamd.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const portFile = "/tmp/cardiacamd.port"

var (
	addr   = flag.String("addr", "", "cardiacamd address (host:port); empty discovers via "+portFile)
	offset = flag.Uint64("offset", 0, "frame offset, in samples, for the fill command")
	length = flag.Int("length", 50, "frame length, in samples, for the fill command")
	out    = flag.String("out", "", "file to write the raw frame payload to, for the fill command (default: stdout)")
)

func main() {
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: cardiacam-cli [flags] <status|unlock|stop|fill>")
		os.Exit(2)
	}

	base, err := resolveAddr()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cardiacam-cli: %v\n", err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: 5 * time.Second}

	switch cmd := flag.Arg(0); cmd {
	case "status":
		err = doStatus(client, base)
	case "unlock":
		err = doPost(client, base+"/unlock")
	case "stop":
		err = doPost(client, base+"/stop")
	case "fill":
		err = doFill(client, base)
	default:
		fmt.Fprintf(os.Stderr, "cardiacam-cli: unknown command %q\n", cmd)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "cardiacam-cli: %v\n", err)
		os.Exit(1)
	}
}

func resolveAddr() (string, error) {
	if *addr != "" {
		return "http://" + *addr, nil
	}
	data, err := os.ReadFile(portFile)
	if err != nil {
		return "", fmt.Errorf("no -addr given and could not read %s: %w (is cardiacamd running?)", portFile, err)
	}
	port := strings.TrimSpace(string(data))
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("%s did not contain a valid port: %q", portFile, port)
	}
	return "http://127.0.0.1:" + port, nil
}

func doStatus(client *http.Client, base string) error {
	resp, err := client.Get(base + "/status")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var payload struct {
		Version   uint64 `json:"version"`
		Serial    uint64 `json:"serial"`
		PLLLocked bool   `json:"pll_locked"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	fmt.Printf("version=%d serial=%d pll_locked=%t\n", payload.Version, payload.Serial, payload.PLLLocked)
	return nil
}

func doPost(client *http.Client, url string) error {
	resp, err := client.Post(url, "application/octet-stream", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, string(body))
	}
	return nil
}

func doFill(client *http.Client, base string) error {
	url := fmt.Sprintf("%s/fill?offset=%d&length=%d", base, *offset, *length)
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, string(body))
	}

	w := io.Writer(os.Stdout)
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	fmt.Fprintf(os.Stderr, "pts=%s duration=%s offset=[%s,%s)\n",
		resp.Header.Get("X-Frame-PTS"), resp.Header.Get("X-Frame-Duration"),
		resp.Header.Get("X-Frame-Offset"), resp.Header.Get("X-Frame-Offset-End"))

	_, err = io.Copy(w, resp.Body)
	return err
}
