package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/whisper/duet/internal/api"
	"github.com/whisper/duet/internal/call"
	"github.com/whisper/duet/internal/client"
	"github.com/whisper/duet/internal/delivery"
	"github.com/whisper/duet/internal/event"
	"github.com/whisper/duet/internal/model"
	"github.com/whisper/duet/internal/quiz"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an interactive session with the partner",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if opts.partnerID == "" {
			return fmt.Errorf("--partner is required")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runChat(ctx)
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

const helpText = `commands:
  <text>                        send a message
  snap <media-ref> [caption]    send a snap
  read [id|all]                 mark messages read
  react <id> <emoji>            react to a message (repeat to remove)
  typing                        show the typing indicator to the partner
  list                          show the conversation
  history                       reload stored history
  quiz <type> <question> | <option> | <option> ...
  random                        send a random quiz
  tod [truth|dare]              send truth or dare
  answer <quiz-id> <choice>     answer a quiz
  quizzes                       list tracked quizzes
  call [audio]                  start a call
  accept | reject | end         respond to or end a call
  mute | video                  toggle local tracks
  name <display-name>           change your display name
  help | quit`

// session bundles the engines of one conversation.
type session struct {
	ch       *client.Client
	api      *api.Client
	messages *delivery.Engine
	quizzes  *quiz.Engine
	calls    *call.Manager
	id       event.Identity
}

func runChat(ctx context.Context) error {
	apiClient := api.NewClient(opts.apiURL, opts.userID, opts.timeout)
	if opts.name != "" {
		if _, err := apiClient.UpdateProfile(ctx, opts.name); err != nil {
			log.Printf("[peer] set display name: %v", err)
		}
	}

	id := event.Identity{UserID: opts.userID, PartnerID: opts.partnerID, PartnerName: opts.partnerID}
	if p, err := apiClient.FetchProfile(ctx, opts.partnerID); err == nil && p.DisplayName != "" {
		id.PartnerName = p.DisplayName
	} else if err != nil {
		log.Printf("[peer] partner profile: %v", err)
	}

	ch := client.New(client.DefaultConfig(opts.relayURL, opts.userID))
	ch.OnState(func(connected bool) {
		if connected {
			fmt.Println("* connected to relay")
		} else {
			fmt.Println("* relay connection lost, reconnecting")
		}
	})

	s := &session{
		ch:       ch,
		api:      apiClient,
		messages: delivery.NewEngine(ch, id, apiClient, delivery.DefaultConfig()),
		quizzes:  quiz.NewEngine(ch, id, apiClient, quiz.DefaultConfig()),
		calls:    call.NewManager(ch, id, call.NewSyntheticDevice(), call.PionFactory(call.Config{ICEServers: []string{opts.stun}})),
		id:       id,
	}
	s.hook()

	if err := ch.Start(ctx); err != nil {
		return err
	}
	defer func() {
		s.calls.Close()
		s.quizzes.Close()
		s.messages.Close()
		ch.Close()
	}()

	if n, err := s.messages.LoadHistory(ctx); err != nil {
		log.Printf("[peer] history: %v", err)
	} else if n > 0 {
		fmt.Printf("* loaded %d messages\n", n)
	}
	s.quizzes.Start(ctx)

	fmt.Printf("* chatting with %s as %s; type help for commands\n", id.PartnerName, id.UserID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := s.exec(ctx, strings.TrimSpace(line))
			if err != nil {
				fmt.Printf("! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (s *session) hook() {
	s.messages.OnChange(func(e delivery.Entry) {
		fmt.Printf("%s [%s]\n", formatMessage(e.Message, s.id.UserID), e.State)
	})
	s.messages.OnError(func(err error) { fmt.Printf("! message: %v\n", err) })
	s.messages.OnPartnerTyping(func(typing bool) {
		if typing {
			fmt.Printf("* %s is typing\n", s.id.PartnerName)
		}
	})

	s.quizzes.OnStatus(func(e quiz.Entry) {
		fmt.Printf("? quiz %s %q: %s\n", e.Quiz.ID, e.Quiz.Question, e.Status)
	})
	s.quizzes.OnReveal(func(e quiz.Entry) {
		var parts []string
		for _, a := range e.Quiz.Answers {
			parts = append(parts, fmt.Sprintf("%s=%q", a.User, a.Answer))
		}
		verdict := "different answers"
		if e.Matched {
			verdict = "you matched!"
		}
		fmt.Printf("? reveal %s: %s (%s)\n", e.Quiz.ID, strings.Join(parts, ", "), verdict)
	})
	s.quizzes.OnError(func(err error) { fmt.Printf("! quiz: %v\n", err) })

	s.calls.OnIncoming(func(in call.IncomingCall) {
		kind := "video"
		if in.AudioOnly {
			kind = "audio"
		}
		fmt.Printf("* incoming %s call from %s; accept or reject\n", kind, in.CallerName)
	})
	s.calls.OnPhase(func(partner string, p call.Phase) {
		fmt.Printf("* call with %s: %s\n", partner, p)
	})
}

// exec runs one input line and reports whether the session should end.
func (s *session) exec(ctx context.Context, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "quit", "exit":
		return true, nil
	case "help":
		fmt.Println(helpText)
	case "name":
		p, err := s.api.UpdateProfile(ctx, rest)
		if err == nil {
			fmt.Printf("* you are now %s\n", p.DisplayName)
		}
		return false, err
	case "snap":
		ref, caption, _ := strings.Cut(rest, " ")
		_, err := s.messages.SendSnap(ref, strings.TrimSpace(caption))
		return false, err
	case "read":
		if rest == "" || rest == "all" {
			n, err := s.messages.MarkAllRead()
			fmt.Printf("* marked %d read\n", n)
			return false, err
		}
		_, err := s.messages.MarkRead(rest)
		return false, err
	case "react":
		msgID, emoji, ok := strings.Cut(rest, " ")
		if !ok {
			return false, errors.New("usage: react <id> <emoji>")
		}
		return false, s.messages.React(msgID, strings.TrimSpace(emoji))
	case "typing":
		s.messages.OnInput()
	case "list":
		for _, e := range s.messages.Entries() {
			fmt.Printf("%s %s [%s]\n", e.Key(), formatMessage(e.Message, s.id.UserID), e.State)
		}
	case "history":
		n, err := s.messages.LoadHistory(ctx)
		fmt.Printf("* loaded %d messages\n", n)
		return false, err
	case "quiz":
		draft, err := parseDraft(rest)
		if err != nil {
			return false, err
		}
		_, err = s.quizzes.Create(ctx, draft)
		return false, err
	case "random":
		_, err := s.quizzes.SendRandom(ctx)
		return false, err
	case "tod":
		_, err := s.quizzes.SendTruthOrDare(ctx, rest)
		return false, err
	case "answer":
		quizID, choice, ok := strings.Cut(rest, " ")
		if !ok {
			return false, errors.New("usage: answer <quiz-id> <choice>")
		}
		_, err := s.quizzes.Answer(ctx, quizID, strings.TrimSpace(choice))
		return false, err
	case "quizzes":
		for _, e := range s.quizzes.Entries() {
			fmt.Printf("%s %q %v: %s (%s)\n", e.Quiz.ID, e.Quiz.Question, e.Quiz.Options, e.Status, humanize.Time(e.Quiz.CreatedAt))
		}
	case "call":
		return false, s.calls.StartCall(ctx, s.id.PartnerID, rest == "audio")
	case "accept":
		return false, s.calls.AcceptCall(ctx, s.id.PartnerID)
	case "reject":
		return false, s.calls.RejectCall(s.id.PartnerID)
	case "end":
		return false, s.calls.EndCall(s.id.PartnerID)
	case "mute":
		on, err := s.calls.ToggleMute(s.id.PartnerID)
		if err == nil {
			fmt.Printf("* microphone on=%v\n", on)
		}
		return false, err
	case "video":
		on, err := s.calls.ToggleVideo(s.id.PartnerID)
		if err == nil {
			fmt.Printf("* camera on=%v\n", on)
		}
		return false, err
	default:
		s.messages.StopTyping()
		_, err := s.messages.Send(line)
		return false, err
	}
	return false, nil
}

// parseDraft reads "<type> <question> | <option> | <option> ...".
func parseDraft(input string) (model.QuizDraft, error) {
	typ, rest, ok := strings.Cut(input, " ")
	if !ok {
		return model.QuizDraft{}, errors.New("usage: quiz <type> <question> | <option> | <option>")
	}
	parts := strings.Split(rest, "|")
	draft := model.QuizDraft{
		Type:     model.QuizType(typ),
		Question: strings.TrimSpace(parts[0]),
	}
	for _, o := range parts[1:] {
		if o = strings.TrimSpace(o); o != "" {
			draft.Options = append(draft.Options, o)
		}
	}
	return draft, nil
}

func formatMessage(m model.Message, self string) string {
	who := m.From
	if m.From == self {
		who = "me"
	}
	body := m.Content
	if m.Type == model.MessageSnap {
		body = fmt.Sprintf("[snap %s] %s", m.MediaRef, m.Content)
	}
	var reactions []string
	for _, r := range m.Reactions {
		reactions = append(reactions, r.Emoji)
	}
	if len(reactions) > 0 {
		body += " " + strings.Join(reactions, "")
	}
	return fmt.Sprintf("%s %s: %s", m.CreatedAt.Local().Format("15:04"), who, body)
}
