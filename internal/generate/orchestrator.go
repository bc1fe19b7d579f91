package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lbds137/tzurot-sub012/internal/config"
	"github.com/lbds137/tzurot-sub012/internal/dedup"
	"github.com/lbds137/tzurot-sub012/internal/diag"
	"github.com/lbds137/tzurot-sub012/internal/events"
	"github.com/lbds137/tzurot-sub012/internal/history"
	"github.com/lbds137/tzurot-sub012/internal/llm"
	"github.com/lbds137/tzurot-sub012/internal/memory"
	"github.com/lbds137/tzurot-sub012/internal/personality"
	"github.com/lbds137/tzurot-sub012/internal/prompt"
	"github.com/lbds137/tzurot-sub012/internal/tokens"
	"github.com/lbds137/tzurot-sub012/internal/window"
)

// crossChannelPerChannel is how many recent messages each foreign
// channel contributes before the serializer's budget trims further.
const crossChannelPerChannel = 10

// defaultUserError is the failure line for personalities without a
// configured one, and for failures before the personality resolves.
const defaultUserError = "*Something went wrong while I was thinking. Please try again.*"

// Orchestrator runs generation jobs end to end. It holds no per-job
// state; each job gets its own duplicate detector.
type Orchestrator struct {
	personalities personality.Store
	history       history.Store
	memories      memory.Retriever // nil disables memory retrieval
	llm           llm.Client
	embedder      dedup.Embedder // nil disables semantic duplicate checks
	window        *window.Manager
	bus           *events.Bus
	sink          diag.Sink // nil disables diagnostics persistence
	gen           config.GenerationConfig
	models        config.ModelsConfig
	logger        *slog.Logger
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Personalities personality.Store
	History       history.Store
	Memories      memory.Retriever
	LLM           llm.Client
	Embedder      dedup.Embedder
	Bus           *events.Bus
	Sink          diag.Sink
	Logger        *slog.Logger
}

// NewOrchestrator wires a pipeline from its dependencies and tuning.
func NewOrchestrator(deps Deps, gen config.GenerationConfig, models config.ModelsConfig) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		personalities: deps.Personalities,
		history:       deps.History,
		memories:      deps.Memories,
		llm:           deps.LLM,
		embedder:      deps.Embedder,
		window:        window.NewManager(logger),
		bus:           deps.Bus,
		sink:          deps.Sink,
		gen:           gen,
		models:        models,
		logger:        logger.With("component", "pipeline"),
	}
}

// Generate runs one job. The returned result always carries metadata
// (attempt count, processing time), on failures included.
func (o *Orchestrator) Generate(ctx context.Context, payload JobPayload) *Result {
	start := time.Now()
	result := &Result{Metadata: Metadata{JobID: payload.JobID}}

	defer func() {
		result.Metadata.ProcessingMs = time.Since(start).Milliseconds()
		if !result.Success && result.UserError == "" {
			result.UserError = defaultUserError
		}
		o.finish(payload, result)
	}()

	if err := validate(payload); err != nil {
		result.Error = err.Error()
		return result
	}

	o.bus.Publish(events.Event{
		Timestamp: start,
		Source:    events.SourcePipeline,
		Kind:      events.KindJobStart,
		Data: map[string]any{
			"job_id":         payload.JobID,
			"personality_id": payload.PersonalityID,
			"channel_id":     payload.Message.ChannelID,
		},
	})

	pctx, err := o.resolve(ctx, payload)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Metadata.Model = pctx.model
	result.Metadata.HistoryIncluded = pctx.selection.Included
	result.Metadata.HistoryDropped = pctx.selection.Dropped
	result.Metadata.MemoriesUsed = len(pctx.memories)

	// The user spoke regardless of whether generation succeeds.
	if err := o.appendUserMessage(ctx, payload); err != nil {
		o.logger.Warn("user message not persisted", "jobID", payload.JobID, "error", err)
	}

	o.attempts(ctx, payload, pctx, result)
	if !result.Success && pctx.personality.ErrorMessage != "" {
		result.UserError = pctx.personality.ErrorMessage
	}
	return result
}

// generationContext is everything resolved once per job before the
// attempt loop starts.
type generationContext struct {
	personality  *personality.Personality
	model        string
	systemPrompt string
	selection    window.Selection
	memories     []memory.Document
	currentText  string
	detector     *dedup.Detector
}

func validate(p JobPayload) error {
	switch {
	case p.JobID == "":
		return errors.New("validation: job ID is required")
	case p.PersonalityID == "":
		return errors.New("validation: personality ID is required")
	case p.Message.ChannelID == "":
		return errors.New("validation: channel ID is required")
	case p.Message.Content == "":
		return errors.New("validation: message content is empty")
	}
	return nil
}

// resolve loads the personality and assembles prompt, budget, and
// duplicate window for the job.
func (o *Orchestrator) resolve(ctx context.Context, payload JobPayload) (*generationContext, error) {
	p, err := o.personalities.Personality(ctx, payload.PersonalityID)
	if err != nil {
		return nil, fmt.Errorf("resolve personality: %w", err)
	}

	model := p.Model
	if model == "" {
		model = o.models.Default
	}

	hist, err := o.history.Recent(ctx, payload.Message.ChannelID, p.ID, o.gen.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	memories := o.retrieveMemories(ctx, payload.Message.Content, p.ID, payload.Message.UserID)

	var crossChannel []history.CrossChannelGroup
	if p.CrossChannel {
		crossChannel = o.loadCrossChannel(ctx, p.ID, payload.Message.ChannelID)
	}
	participants := o.buildParticipants(ctx, payload, hist)

	promptInput := prompt.BuildInput{
		PersonalityName:    p.Name,
		Character:          p.Character,
		Environment:        payload.Environment,
		Participants:       participants,
		Memories:           memories,
		CrossChannel:       crossChannel,
		CrossChannelBudget: o.gen.CrossChannelBudget,
	}
	systemPrompt := prompt.BuildSystemPrompt(promptInput)

	// The planner tracks memories as their own ledger component, so the
	// prompt it budgets against excludes the memories block; otherwise
	// their cost would be subtracted twice.
	budgetInput := promptInput
	budgetInput.Memories = nil

	currentText := prompt.FormatEntry(incomingEntry(payload.Message), p.Name)

	selection := o.window.Plan(
		o.models.ContextWindowFor(model),
		prompt.BuildSystemPrompt(budgetInput),
		currentText,
		memories,
		hist,
	)

	detector := dedup.NewDetector(dedup.Config{
		WindowSize:          o.gen.DedupWindowSize,
		JaccardThreshold:    o.gen.JaccardThreshold,
		SimilarityThreshold: o.gen.SimilarityThreshold,
		EmbeddingThreshold:  o.gen.EmbeddingThreshold,
	}, o.embedder, o.logger)
	detector.Seed(ctx, selection.Entries)

	return &generationContext{
		personality:  p,
		model:        model,
		systemPrompt: systemPrompt,
		selection:    selection,
		memories:     memories,
		currentText:  currentText,
		detector:     detector,
	}, nil
}

// attempts runs the invoke/strip/check loop until a usable response
// comes back or the attempt budget runs out.
func (o *Orchestrator) attempts(ctx context.Context, payload JobPayload, pctx *generationContext, result *Result) {
	maxAttempts := o.gen.MaxAttempts
	lastDuplicate := ""

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Metadata.Attempts = attempt

		o.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourcePipeline,
			Kind:      events.KindAttempt,
			Data:      map[string]any{"job_id": payload.JobID, "attempt": attempt, "model": pctx.model},
		})

		// Each attempt gets its own deep copy of the selected history so
		// nothing one attempt does can leak into the next.
		messages := o.buildMessages(pctx, history.CloneEntries(pctx.selection.Entries))

		resp, err := o.llm.Invoke(ctx, llm.Request{
			Model:       pctx.model,
			Messages:    messages,
			MaxTokens:   pctx.personality.MaxOutput,
			Temperature: pctx.personality.Temperature,
		})
		if err != nil {
			// Timeouts are transient like any other transport failure;
			// they consume an attempt and differ only in classification.
			if errors.Is(err, llm.ErrTimeout) {
				o.logger.Warn("invocation timed out", "jobID", payload.JobID, "attempt", attempt, "error", err)
			} else {
				o.logger.Warn("invocation failed", "jobID", payload.JobID, "attempt", attempt, "error", err)
			}
			result.Error = err.Error()
			continue
		}

		if resp.Usage != nil {
			result.Metadata.PromptTokens = resp.Usage.PromptTokens
			result.Metadata.CompletionTokens = resp.Usage.CompletionTokens
		}

		content := Strip(resp.Content, pctx.personality.Name)
		if removed := len(resp.Content) - len(content); removed > 0 {
			result.Metadata.StrippedChars = removed
			o.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourcePipeline,
				Kind:      events.KindStrip,
				Data:      map[string]any{"job_id": payload.JobID, "attempt": attempt, "removed_chars": removed},
			})
		}

		if content == "" {
			o.logger.Warn("empty response", "jobID", payload.JobID, "attempt", attempt)
			result.Error = fmt.Sprintf("empty response after %d attempt(s)", attempt)
			continue
		}

		check := pctx.detector.Check(ctx, content)
		result.Metadata.MaxSimilarity = check.MaxSimilarity
		result.Metadata.MaxSimilarityIndex = check.MaxSimilarityIndex
		if check.IsDuplicate {
			result.Metadata.DuplicateMethod = string(check.Method)
			lastDuplicate = content

			o.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourcePipeline,
				Kind:      events.KindDuplicate,
				Data: map[string]any{
					"job_id":         payload.JobID,
					"attempt":        attempt,
					"method":         string(check.Method),
					"match_index":    check.MatchIndex,
					"max_similarity": check.MaxSimilarity,
				},
			})
			o.logger.Info("duplicate response, retrying",
				"jobID", payload.JobID,
				"attempt", attempt,
				"method", check.Method,
				"matchIndex", check.MatchIndex,
			)
			continue
		}

		o.succeed(ctx, payload, pctx, result, content)
		return
	}

	// Attempt budget exhausted. A persistent duplicate is still a real
	// response; repeating ourselves beats saying nothing.
	if lastDuplicate != "" {
		o.logger.Warn("returning duplicate after exhausting retries", "jobID", payload.JobID)
		o.succeed(ctx, payload, pctx, result, lastDuplicate)
		return
	}
	if result.Error == "" {
		result.Error = fmt.Sprintf("no usable response after %d attempts", maxAttempts)
	}
}

func (o *Orchestrator) succeed(ctx context.Context, payload JobPayload, pctx *generationContext, result *Result, content string) {
	result.Success = true
	result.Content = content
	result.Error = ""

	pctx.detector.Record(ctx, content)

	entry := history.ConversationEntry{
		ID:         uuid.NewString(),
		Role:       history.RoleAssistant,
		AuthorName: pctx.personality.Name,
		Content:    content,
		TokenCount: tokens.EstimateMessage(content),
		Timestamp:  time.Now().UTC(),
	}
	if err := o.history.Append(ctx, payload.Message.ChannelID, pctx.personality.ID, entry); err != nil {
		o.logger.Warn("assistant message not persisted", "jobID", payload.JobID, "error", err)
	}
}

func (o *Orchestrator) appendUserMessage(ctx context.Context, payload JobPayload) error {
	m := payload.Message
	id := m.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	return o.history.Append(ctx, m.ChannelID, payload.PersonalityID, history.ConversationEntry{
		ID:         id,
		Role:       history.RoleUser,
		UserID:     m.UserID,
		AuthorName: m.AuthorName,
		Content:    m.Content,
		TokenCount: tokens.EstimateMessage(m.Content),
		Timestamp:  m.Timestamp,
		Metadata:   m.Metadata,
	})
}

// buildMessages renders the chat transcript the model sees: system
// prompt, selected history, then the current message.
func (o *Orchestrator) buildMessages(pctx *generationContext, entries []history.ConversationEntry) []llm.Message {
	messages := make([]llm.Message, 0, len(entries)+2)
	messages = append(messages, llm.Message{Role: "system", Content: pctx.systemPrompt})

	for _, e := range entries {
		role := "user"
		if e.Role == history.RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, llm.Message{
			Role:    role,
			Content: prompt.FormatEntry(e, pctx.personality.Name),
		})
	}

	messages = append(messages, llm.Message{Role: "user", Content: pctx.currentText})
	return messages
}

func (o *Orchestrator) retrieveMemories(ctx context.Context, query, personalityID, userID string) []memory.Document {
	if o.memories == nil {
		return nil
	}
	docs, err := o.memories.RetrieveRelevant(ctx, query, memory.Filter{
		PersonalityID: personalityID,
		UserID:        userID,
		MinScore:      o.gen.MemoryMinScore,
		Limit:         o.gen.MemoryLimit,
	})
	if err != nil {
		o.logger.Warn("memory retrieval failed", "personalityID", personalityID, "error", err)
		return nil
	}
	return docs
}

func (o *Orchestrator) loadCrossChannel(ctx context.Context, personalityID, channelID string) []history.CrossChannelGroup {
	groups, err := o.history.CrossChannel(ctx, personalityID, channelID, crossChannelPerChannel)
	if err != nil {
		o.logger.Warn("cross-channel load failed", "personalityID", personalityID, "error", err)
		return nil
	}
	return groups
}

// buildParticipants resolves personas for the message sender and every
// other user visible in recent history, so the prompt can disambiguate
// who is speaking when several known personas share a channel. The
// sender is marked active.
func (o *Orchestrator) buildParticipants(ctx context.Context, payload JobPayload, hist []history.ConversationEntry) []prompt.Participant {
	sender := prompt.Participant{
		Name:   payload.Message.AuthorName,
		Active: true,
	}
	o.applyPersona(ctx, payload.Message.UserID, &sender)
	participants := []prompt.Participant{sender}

	seen := map[string]bool{payload.Message.UserID: true}
	for _, e := range hist {
		if e.Role != history.RoleUser || e.UserID == "" || seen[e.UserID] {
			continue
		}
		seen[e.UserID] = true

		p := prompt.Participant{Name: e.AuthorName}
		o.applyPersona(ctx, e.UserID, &p)
		participants = append(participants, p)
	}

	return participants
}

func (o *Orchestrator) applyPersona(ctx context.Context, userID string, p *prompt.Participant) {
	if userID == "" {
		return
	}
	persona, err := o.personalities.PersonaForUser(ctx, userID)
	if err != nil {
		o.logger.Warn("persona lookup failed", "userID", userID, "error", err)
		return
	}
	if persona == nil {
		return
	}
	if persona.Name != "" {
		p.Name = persona.Name
	}
	p.Pronouns = persona.Pronouns
	p.Persona = persona.Description
}

// incomingEntry adapts the incoming message to a history entry so it
// renders with the same framing as everything else in the transcript.
func incomingEntry(m IncomingMessage) history.ConversationEntry {
	return history.ConversationEntry{
		ID:         m.MessageID,
		Role:       history.RoleUser,
		UserID:     m.UserID,
		AuthorName: m.AuthorName,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
		Metadata:   m.Metadata,
	}
}

// finish emits the completion event and persists diagnostics. Called on
// every path out of Generate.
func (o *Orchestrator) finish(payload JobPayload, result *Result) {
	o.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourcePipeline,
		Kind:      events.KindJobComplete,
		Data: map[string]any{
			"job_id":     payload.JobID,
			"success":    result.Success,
			"attempts":   result.Metadata.Attempts,
			"elapsed_ms": result.Metadata.ProcessingMs,
		},
	})

	diag.StoreDetached(o.sink, diag.Record{
		JobID:              payload.JobID,
		PersonalityID:      payload.PersonalityID,
		ChannelID:          payload.Message.ChannelID,
		UserID:             payload.Message.UserID,
		Success:            result.Success,
		Attempts:           result.Metadata.Attempts,
		Model:              result.Metadata.Model,
		Error:              result.Error,
		DuplicateMethod:    result.Metadata.DuplicateMethod,
		MaxSimilarity:      result.Metadata.MaxSimilarity,
		MaxSimilarityIndex: result.Metadata.MaxSimilarityIndex,
		StrippedChars:      result.Metadata.StrippedChars,
		PromptTokens:       result.Metadata.PromptTokens,
		CompletionTokens:   result.Metadata.CompletionTokens,
		DurationMs:         result.Metadata.ProcessingMs,
	}, o.logger)

	o.logger.Info("job finished",
		"jobID", payload.JobID,
		"success", result.Success,
		"attempts", result.Metadata.Attempts,
		"elapsedMs", result.Metadata.ProcessingMs,
	)
}
