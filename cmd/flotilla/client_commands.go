package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/flotilla-ai/flotilla/pkg/client"
	"github.com/flotilla-ai/flotilla/pkg/llm"
)

// ChatCmd starts an interactive chat session against a running server.
type ChatCmd struct {
	Server       string `help:"Server URL (defaults to $FLOTILLA_SERVER or http://localhost:8080)."`
	Conversation string `help:"Conversation to continue (default: a fresh one)."`
	Provider     string `help:"Provider override for this session."`
	Model        string `help:"Model override for this session."`
	NoStream     bool   `help:"Wait for complete responses instead of streaming."`
}

func (c *ChatCmd) Run() error {
	api := client.New(resolveServerURL(c.Server))

	conversationID := c.Conversation
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	fmt.Printf("flotilla chat (conversation %s)\n", conversationID)
	fmt.Println("Type your messages below. Commands:")
	fmt.Println("  /quit or /exit - leave the session")
	fmt.Println("  /clear - archive this conversation and start a fresh one")
	fmt.Println("  /info - show fleet status")
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")

		input, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println()
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			switch input {
			case "/quit", "/exit":
				return nil
			case "/clear":
				if err := api.Archive(context.Background(), conversationID); err != nil {
					fmt.Printf("error: %v\n", err)
					continue
				}
				conversationID = uuid.New().String()
				fmt.Printf("conversation cleared, now on %s\n", conversationID)
				continue
			case "/info":
				if err := printFleet(api); err != nil {
					fmt.Printf("error: %v\n", err)
				}
				continue
			default:
				fmt.Printf("unknown command: %s\n", input)
				continue
			}
		}

		req := client.ChatRequest{
			ConversationID: conversationID,
			Messages:       []llm.Message{{Role: llm.RoleUser, Content: input}},
			Provider:       c.Provider,
			Model:          c.Model,
		}
		if c.NoStream {
			resp, err := api.Chat(context.Background(), req)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Println(resp.Content)
		} else if err := streamToStdout(api, req); err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Println()
	}
}

// CallCmd sends a single prompt and prints the response.
type CallCmd struct {
	Input        string `arg:"" help:"Prompt to send."`
	Server       string `help:"Server URL (defaults to $FLOTILLA_SERVER or http://localhost:8080)."`
	Conversation string `help:"Conversation to append to (default: a fresh one)."`
	Provider     string `help:"Provider override."`
	Model        string `help:"Model override."`
	Stream       bool   `help:"Print the response as it is generated."`
	Usage        bool   `help:"Print token usage after the response."`
}

func (c *CallCmd) Run() error {
	api := client.New(resolveServerURL(c.Server))

	req := client.ChatRequest{
		ConversationID: c.Conversation,
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: c.Input}},
		Provider:       c.Provider,
		Model:          c.Model,
	}

	if c.Stream {
		return streamToStdout(api, req)
	}

	resp, err := api.Chat(context.Background(), req)
	if err != nil {
		return err
	}
	fmt.Println(resp.Content)
	if c.Usage && resp.Usage != nil {
		fmt.Printf("tokens: %d prompt, %d completion, %d total\n",
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
	}
	return nil
}

// NodesCmd lists registered fleet nodes.
type NodesCmd struct {
	Server string `help:"Server URL (defaults to $FLOTILLA_SERVER or http://localhost:8080)."`
}

func (c *NodesCmd) Run() error {
	api := client.New(resolveServerURL(c.Server))
	return printFleet(api)
}

func printFleet(api *client.Client) error {
	nodes, err := api.ListNodes(context.Background())
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		fmt.Println("no nodes registered")
		return nil
	}

	for _, n := range nodes {
		line := fmt.Sprintf("%s  %s  %s  tasks %d/%d", n.ID, n.Type, n.Status, n.Stats.Active, n.MaxConcurrentTasks)
		if len(n.Capabilities) > 0 {
			line += "  [" + strings.Join(n.Capabilities, ", ") + "]"
		}
		fmt.Println(line)
	}
	return nil
}

func streamToStdout(api *client.Client, req client.ChatRequest) error {
	events, err := api.ChatStream(context.Background(), req)
	if err != nil {
		return err
	}
	for ev := range events {
		switch ev.Type {
		case client.StreamChunk:
			fmt.Print(ev.Text)
		case client.StreamCompleted:
			fmt.Println()
		case client.StreamError:
			fmt.Println()
			return ev.Err
		}
	}
	return nil
}

// resolveServerURL applies the env fallback and scheme prefixing.
func resolveServerURL(serverURL string) string {
	if serverURL == "" {
		if env := os.Getenv("FLOTILLA_SERVER"); env != "" {
			serverURL = env
		} else {
			return "http://localhost:8080"
		}
	}
	if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
		return "http://" + serverURL
	}
	return serverURL
}
