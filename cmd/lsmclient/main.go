// Command lsmclient streams protocol lines from stdin to an lsmserver
// instance over TCP and prints each response.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
)

const endOfMessage = "\x00"

func main() {
	cmd := &cli.Command{
		Name:  "lsmclient",
		Usage: "stream command/response protocol lines to an lsmserver instance",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Value: "localhost:7070", Usage: "server address"},
			&cli.BoolFlag{Name: "quiet", Value: false, Usage: "suppress <OK>/<NO_VALUE> echoes"},
		},
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *cli.Command) error {
	conn, err := net.Dial("tcp", c.String("server"))
	if err != nil {
		return fmt.Errorf("lsmclient: dial %s: %w", c.String("server"), err)
	}
	defer conn.Close()

	quiet := c.Bool("quiet")
	responses := make(chan string)
	go readResponses(conn, responses)

	input := bufio.NewScanner(os.Stdin)
	for input.Scan() {
		line := input.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if _, err := fmt.Fprintln(conn, line); err != nil {
			return fmt.Errorf("lsmclient: write: %w", err)
		}
		resp, ok := <-responses
		if !ok {
			fmt.Println("server shutdown detected, exiting")
			return nil
		}
		if !quiet || (resp != "<OK>" && resp != "<NO_VALUE>") {
			fmt.Println(resp)
		}
		if strings.TrimSpace(line) == "q" {
			return nil
		}
	}
	return input.Err()
}

// readResponses reads responses terminated by endOfMessage off conn and
// forwards each one, closing the channel on disconnect.
func readResponses(conn net.Conn, out chan<- string) {
	defer close(out)
	reader := bufio.NewReader(conn)
	for {
		chunk, err := reader.ReadString(endOfMessage[0])
		if err != nil {
			return
		}
		out <- strings.TrimSuffix(chunk, endOfMessage)
	}
}
