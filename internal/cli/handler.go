// Package cli provides the interactive command loop of the client binary.
// It parses user commands and executes them against a remote server, one
// connection per command.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/kaiwk/kvs/internal/client"
	"github.com/kaiwk/kvs/internal/engine"
)

// Handler manages the interactive loop.
type Handler struct {
	client  *client.Client
	scanner *bufio.Scanner
	out     io.Writer
}

// NewHandler creates a handler reading commands from in and printing
// results to out.
func NewHandler(c *client.Client, in io.Reader, out io.Writer) *Handler {
	return &Handler{
		client:  c,
		scanner: bufio.NewScanner(in),
		out:     out,
	}
}

// Run starts the interactive command loop, processing user input until
// an exit command is received or an error occurs.
func (h *Handler) Run() error {
	fmt.Fprintln(h.out, "kvs - Key-Value Store Client")
	fmt.Fprintln(h.out, "Commands: PUT <key> <value>, GET <key>, DELETE <key>, EXIT")
	fmt.Fprint(h.out, "> ")

	for h.scanner.Scan() {
		line := strings.TrimSpace(h.scanner.Text())
		if line == "" {
			fmt.Fprint(h.out, "> ")
			continue
		}

		parts := strings.Fields(line)
		command := strings.ToUpper(parts[0])

		switch command {
		case "PUT":
			h.handlePut(parts)
		case "GET":
			h.handleGet(parts)
		case "DELETE":
			h.handleDelete(parts)
		case "EXIT", "QUIT":
			slog.Info("cli: shutdown requested by user")
			fmt.Fprintln(h.out, "Goodbye!")
			return nil
		default:
			slog.Warn("cli: unknown command received",
				"command", command)
			fmt.Fprintf(h.out, "Unknown command: %s\n", command)
			fmt.Fprintln(h.out, "Commands: PUT <key> <value>, GET <key>, DELETE <key>, EXIT")
		}

		fmt.Fprint(h.out, "> ")
	}

	if err := h.scanner.Err(); err != nil {
		return fmt.Errorf("error reading input: %w", err)
	}
	return nil
}

// handlePut processes PUT commands to store key-value pairs.
func (h *Handler) handlePut(parts []string) {
	if len(parts) < 3 {
		fmt.Fprintln(h.out, "Usage: PUT <key> <value>")
		return
	}

	key := parts[1]
	value := strings.Join(parts[2:], " ")

	if err := h.client.Set(key, value); err != nil {
		slog.Error("cli: PUT command failed",
			"key", key,
			"error", err)
		fmt.Fprintf(h.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(h.out, "OK")
}

// handleGet processes GET commands to retrieve values by key.
func (h *Handler) handleGet(parts []string) {
	if len(parts) < 2 {
		fmt.Fprintln(h.out, "Usage: GET <key>")
		return
	}

	key := parts[1]
	value, ok, err := h.client.Get(key)
	if err != nil {
		slog.Error("cli: GET command failed",
			"key", key,
			"error", err)
		fmt.Fprintf(h.out, "Error: %v\n", err)
		return
	}
	if !ok {
		fmt.Fprintln(h.out, "Key not found")
		return
	}
	fmt.Fprintln(h.out, value)
}

// handleDelete processes DELETE commands to remove keys.
func (h *Handler) handleDelete(parts []string) {
	if len(parts) < 2 {
		fmt.Fprintln(h.out, "Usage: DELETE <key>")
		return
	}

	key := parts[1]
	if err := h.client.Remove(key); err != nil {
		if engine.IsNotFound(err) {
			fmt.Fprintln(h.out, "Key not found")
			return
		}
		slog.Error("cli: DELETE command failed",
			"key", key,
			"error", err)
		fmt.Fprintf(h.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(h.out, "OK")
}
