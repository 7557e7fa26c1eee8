package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
)

const defaultGateway = "http://localhost:8080"

func main() {
	_ = godotenv.Load()

	gateway := flag.String("gateway", envOr("AGW_GATEWAY_URL", defaultGateway), "gateway base URL")
	details := flag.Bool("details", false, "show run details with every answer")
	flag.Parse()

	credential := os.Getenv("AGW_ACCESS_TOKEN")
	if credential == "" {
		color.Red("Error: AGW_ACCESS_TOKEN must hold an upstream access token\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, newGatewayClient(*gateway), credential, *details); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(ctx context.Context, client *gatewayClient, credential string, details bool) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)
	yellow := color.New(color.FgYellow)

	if err := client.login(ctx, credential); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer func() {
		if err := client.logout(context.Background()); err != nil {
			yellow.Printf("logout: %v\n", err)
		}
	}()

	me, err := client.whoami(ctx)
	if err != nil {
		return fmt.Errorf("whoami: %w", err)
	}
	green.Print("Signed in as ")
	fmt.Println(displayName(me))
	gray.Println("Ask a question, or /history, /reset, /details, /whoami, /quit")

	var history []turn
	scanner := bufio.NewScanner(os.Stdin)
	for {
		cyan.Print("\n> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit", "/exit":
			return nil
		case "/reset":
			history = nil
			gray.Println("conversation cleared")
			continue
		case "/details":
			details = !details
			gray.Printf("details %s\n", onOff(details))
			continue
		case "/history":
			for _, t := range history {
				gray.Printf("%-5s ", t.Role)
				fmt.Println(t.Content)
			}
			continue
		case "/whoami":
			me, err := client.whoami(ctx)
			if err != nil {
				color.Red("%v\n", err)
				continue
			}
			fmt.Println(displayName(me))
			if me.CredentialValidUntil != nil {
				gray.Printf("credential valid until %s\n", me.CredentialValidUntil.Local().Format("15:04:05"))
			}
			gray.Printf("session expires %s\n", me.SessionExpiresAt.Local().Format("2006-01-02 15:04"))
			continue
		}

		result, err := client.query(ctx, line, history, details)
		if err != nil {
			color.Red("%v\n", err)
			continue
		}
		if !result.Success {
			msg, category := "request failed", "Unknown"
			if result.ErrorMessage != nil {
				msg = *result.ErrorMessage
			}
			if result.ErrorCategory != nil {
				category = string(*result.ErrorCategory)
			}
			yellow.Printf("[%s] %s\n", category, msg)
			continue
		}

		answer := ""
		if result.Answer != nil {
			answer = *result.Answer
		}
		fmt.Println(answer)
		if d := result.Details; d != nil {
			gray.Printf("status=%s attempts=%d messages=%d steps=%d\n", d.RunStatus, d.Attempts, d.MessagesCount, d.StepsCount)
			for _, sql := range d.SQLQueries {
				if sql == d.DataRetrievalQuery {
					gray.Println(sql, "(retrieved data)")
					continue
				}
				gray.Println(sql)
			}
		}
		history = append(history, turn{Role: "user", Content: line}, turn{Role: "agent", Content: answer})
	}
}

func displayName(me *whoami) string {
	switch {
	case me.Name != "" && me.Email != "":
		return fmt.Sprintf("%s <%s>", me.Name, me.Email)
	case me.Email != "":
		return me.Email
	case me.Name != "":
		return me.Name
	default:
		return me.Subject
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
