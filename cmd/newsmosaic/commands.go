package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sjq0098/news-mosaic/internal/config"
	"github.com/sjq0098/news-mosaic/internal/dialogue"
	"github.com/sjq0098/news-mosaic/internal/pipeline"
)

var (
	processUser  string
	processNum   int
	processCards int
	processQuick bool

	chatUser    string
	chatSession string
	chatRun     string
)

var processCmd = &cobra.Command{
	Use:   "process <query>",
	Short: "Run the news pipeline for a topic",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		client := newAPIClient(cfg.Server.Port, cfg.Server.APIToken)

		req := pipeline.Request{
			Query:        strings.Join(args, " "),
			UserID:       processUser,
			NumResults:   &processNum,
			MaxCards:     processCards,
			Store:        true,
			Index:        true,
			Analyze:      true,
			Card:         true,
			Sentiment:    true,
			MemoryUpdate: processUser != "",
		}

		path := "/pipeline/process"
		if processQuick {
			path = "/pipeline/quick"
		}

		printStep("Processing %q...", req.Query)
		var run pipeline.Run
		warnings, err := client.post(path, req, &run)
		if err != nil {
			return err
		}
		printRun(&run, warnings)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <runId>",
	Short: "Show a retained pipeline run by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		client := newAPIClient(cfg.Server.Port, cfg.Server.APIToken)

		var run pipeline.Run
		warnings, err := client.get("/pipeline/status/"+args[0], &run)
		if err != nil {
			return err
		}
		printRun(&run, warnings)
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat about processed news (interactive without a message)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		client := newAPIClient(cfg.Server.Port, cfg.Server.APIToken)

		if len(args) > 0 {
			return chatOnce(client, strings.Join(args, " "))
		}
		return chatLoop(client)
	},
}

func init() {
	processCmd.Flags().StringVarP(&processUser, "user", "u", "", "user id for personalization and memory")
	processCmd.Flags().IntVarP(&processNum, "num", "n", 10, "number of search results")
	processCmd.Flags().IntVarP(&processCards, "cards", "c", 5, "number of news cards")
	processCmd.Flags().BoolVarP(&processQuick, "quick", "q", false, "search + cards only, no persistence")

	chatCmd.Flags().StringVarP(&chatUser, "user", "u", "", "user id for personalization and memory")
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "existing session id")
	chatCmd.Flags().StringVarP(&chatRun, "run", "r", "", "pipeline run id to scope retrieval to")
}

func chatOnce(client *apiClient, message string) error {
	resp, err := sendChat(client, message)
	if err != nil {
		return err
	}
	printReply(resp)
	return nil
}

func chatLoop(client *apiClient) error {
	printStep("Interactive chat (empty line to exit)")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			return nil
		}
		resp, err := sendChat(client, line)
		if err != nil {
			printError("%v", err)
			continue
		}
		printReply(resp)
	}
}

func sendChat(client *apiClient, message string) (dialogue.ChatResponse, error) {
	req := dialogue.ChatRequest{
		UserID:      chatUser,
		SessionID:   chatSession,
		Message:     message,
		RunID:       chatRun,
		UseMemory:   chatUser != "",
		Personalize: chatUser != "",
	}
	var resp dialogue.ChatResponse
	warnings, err := client.post("/chat", req, &resp)
	if err != nil {
		return dialogue.ChatResponse{}, err
	}
	for _, w := range warnings {
		printWarning("%s", w)
	}
	// Keep the session across turns in interactive mode.
	chatSession = resp.SessionID
	return resp, nil
}

func printReply(resp dialogue.ChatResponse) {
	fmt.Fprintln(os.Stdout, resp.Reply)
	if len(resp.Sources) > 0 {
		fmt.Fprintln(os.Stderr)
		for _, s := range resp.Sources {
			printStatus(fmt.Sprintf("[%d]", s.Index), "%s %s", s.Source, s.URL)
		}
	}
	printStatus("Confidence", "%.2f", resp.Confidence)
	printStatus("Session", "%s", resp.SessionID)
}

func printRun(run *pipeline.Run, warnings []string) {
	switch run.Status {
	case pipeline.StatusSuccess:
		printSuccess("Run %s: %s", run.ID, run.Status)
	case pipeline.StatusPartialSuccess:
		printWarning("Run %s: %s", run.ID, run.Status)
	default:
		printError("Run %s: %s", run.ID, run.Status)
	}

	printStatus("Found", "%d articles (%d new, %d duplicates)", run.Found, run.Stored, run.Duplicates)
	if run.Indexed > 0 {
		printStatus("Indexed", "%d chunks", run.Indexed)
	}
	if run.AISummary != "" {
		fmt.Fprintln(os.Stdout, "\n"+run.AISummary)
	}
	for _, card := range run.Cards {
		fmt.Fprintf(os.Stdout, "\n[%d] %s\n%s\n", card.Priority, card.Headline, card.Summary)
		for _, kp := range card.KeyPoints {
			fmt.Fprintf(os.Stdout, "  • %s\n", kp)
		}
	}
	for _, w := range warnings {
		printWarning("%s", w)
	}
	if len(run.RecommendedQueries) > 0 {
		printStatus("Try next", "%s", strings.Join(run.RecommendedQueries, " | "))
	}
}
