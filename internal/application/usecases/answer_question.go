package usecases

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/longregen/quarry/internal/adapters/metrics"
	"github.com/longregen/quarry/internal/application/services"
	"github.com/longregen/quarry/internal/domain"
	"github.com/longregen/quarry/internal/domain/models"
	"github.com/longregen/quarry/internal/ports"
)

// EngineParams carries the reasoning loop budgets and rendering limits into
// the usecase layer.
type EngineParams struct {
	MaxIterations           int
	MaxSubqueriesPerIter    int
	MaxTotalSubqueries      int
	MaxExpansions           int
	StagnationThreshold     int
	MatchChunksPerQuery     int
	MatchChunksMergedCap    int
	MatchLinksPerQuery      int
	CandidateLinksMax       int
	FinalAnswerChunksCap    int
	QuoteSnippetMaxChars    int
	PageContextChars        int
	LastMessagesCount       int
	IncludeFillStatusBySlot bool
}

// Fixed user-facing sentences for runs that cannot produce an answer.
const (
	noPagesMessage = "This conversation has no indexed pages yet. Add a source and wait for indexing to finish, then ask again."

	noEvidenceMessage = "I couldn't find any relevant evidence for this question in the indexed pages."

	expansionStubMessage = "The indexed pages don't contain enough evidence to answer this fully. I found a page that might have the missing information — you can add it to the corpus and ask again."

	clarifyIntro = "I need a bit more information before I can answer:"
)

// Hard-stop reasons recorded on the thought process.
const (
	hardStopStagnation = "No new claims (stagnation)"
	hardStopNoEvidence = "No relevant evidence found"
	hardStopBudget     = "Subquery budget exhausted"
	hardStopIterations = "Iteration limit reached"
)

// AnswerQuestion runs the full reasoning pipeline for one user question:
// plan a slot graph, iterate retrieve/extract/decide under budgets, and
// terminate with a cited answer, a clarification, a corpus-expansion
// suggestion, or a hard stop.
type AnswerQuestion struct {
	conversations ports.ConversationRepository
	messages      ports.MessageRepository
	sources       ports.SourceRepository
	pages         ports.PageRepository
	chunks        ports.ChunkRepository
	slots         ports.SlotRepository
	reasoning     ports.ReasoningRepository
	quotes        ports.QuoteRepository
	runLogs       ports.RunLogRepository
	embedder      ports.EmbeddingService
	txManager     ports.TransactionManager
	idGenerator   ports.IDGenerator

	planner   *services.Planner
	extractor *services.Extractor
	expander  *services.Expander
	slotStore *services.SlotStore
	answers   *services.AnswerBuilder

	params EngineParams
}

func NewAnswerQuestion(
	conversationRepo ports.ConversationRepository,
	messageRepo ports.MessageRepository,
	sourceRepo ports.SourceRepository,
	pageRepo ports.PageRepository,
	chunkRepo ports.ChunkRepository,
	linkRepo ports.LinkRepository,
	slotRepo ports.SlotRepository,
	reasoningRepo ports.ReasoningRepository,
	quoteRepo ports.QuoteRepository,
	runLogRepo ports.RunLogRepository,
	llmService ports.LLMService,
	embeddingService ports.EmbeddingService,
	txManager ports.TransactionManager,
	idGenerator ports.IDGenerator,
	params EngineParams,
) *AnswerQuestion {
	return &AnswerQuestion{
		conversations: conversationRepo,
		messages:      messageRepo,
		sources:       sourceRepo,
		pages:         pageRepo,
		chunks:        chunkRepo,
		slots:         slotRepo,
		reasoning:     reasoningRepo,
		quotes:        quoteRepo,
		runLogs:       runLogRepo,
		embedder:      embeddingService,
		txManager:     txManager,
		idGenerator:   idGenerator,
		planner:       services.NewPlanner(llmService),
		extractor:     services.NewExtractor(llmService),
		expander:      services.NewExpander(linkRepo, pageRepo, embeddingService, params.MatchLinksPerQuery, params.CandidateLinksMax),
		slotStore:     services.NewSlotStore(slotRepo, idGenerator),
		answers:       services.NewAnswerBuilder(llmService, chunkRepo, pageRepo, idGenerator, params.FinalAnswerChunksCap, params.QuoteSnippetMaxChars, params.PageContextChars),
		params:        params,
	}
}

// runState is the working memory of one reasoning run.
type runState struct {
	input    *ports.AskQuestionInput
	notifier ports.ReasoningNotifier

	conversation *models.Conversation
	sourceIDs    []string
	pageIDs      []string
	pageByID     map[string]*models.Page

	root      *models.Message
	question  string
	history   []*models.Message
	appendRun bool
	// followsMessageID threads the terminal message to the assistant
	// message whose suggestion triggered this run.
	followsMessageID string

	slots      []*models.Slot
	slotByID   map[string]*models.Slot
	slotByName map[string]*models.Slot

	// pool is the evidence accumulated this run; poolOrder keeps
	// first-seen order and newChunkIDs queues ids not yet recorded on a
	// persisted step.
	pool        map[string]*models.Chunk
	poolOrder   []string
	newChunkIDs []string

	// pending holds the subqueries proposed for the next iteration.
	pending []services.PlannedSubquery
	// executed dedups (slot, query) pairs across the run.
	executed       map[string]bool
	totalQueries   int
	prevTotalItems int
	expansions     int

	candidates []*models.DiscoveredLink
	suggestion *models.SuggestedPage

	tp         *models.ThoughtProcess
	stepNum    int
	totalSteps int
	gaps       []string

	lastIter     int
	completeness float64
	counts       map[string]int
	finalAction  models.ReasoningAction
	hardStop     string
}

// executedSubquery is one retrieval actually run during a step.
type executedSubquery struct {
	slot     *models.Slot
	query    string
	strategy models.SubqueryStrategy
	broad    bool
}

func (uc *AnswerQuestion) Execute(ctx context.Context, input *ports.AskQuestionInput) (*ports.AskQuestionOutput, error) {
	ctx, span := otel.Tracer("quarry-engine").Start(ctx, "engine.answer_question",
		trace.WithAttributes(
			attribute.String("conversation.id", input.ConversationID),
			attribute.String("user.id", input.UserID),
		))
	defer span.End()

	output, err := uc.execute(ctx, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reasoning run failed")
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return output, nil
}

func (uc *AnswerQuestion) execute(ctx context.Context, input *ports.AskQuestionInput) (*ports.AskQuestionOutput, error) {
	notifier := input.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}

	// 1. Validate input
	if err := validateAskInput(input); err != nil {
		notifier.NotifyError(err.Error())
		return nil, err
	}

	// 2. Load the conversation with ownership enforced
	conversation, err := uc.conversations.GetByIDAndUserID(ctx, input.ConversationID, input.UserID)
	if err != nil {
		if isNotFound(err) {
			notifier.NotifyError(domain.ErrConversationNotFound.Error())
			return nil, domain.ErrConversationNotFound
		}
		notifier.NotifyError("failed to load conversation")
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	run := &runState{
		input:        input,
		notifier:     notifier,
		conversation: conversation,
		pool:         make(map[string]*models.Chunk),
		executed:     make(map[string]bool),
		slotByID:     make(map[string]*models.Slot),
		slotByName:   make(map[string]*models.Slot),
		tp:           &models.ThoughtProcess{Steps: []models.ThoughtStep{}},
		totalSteps:   uc.params.MaxIterations + 2,
	}

	// 3. Load the corpus; an empty corpus short-circuits with a stock reply
	empty, err := uc.loadCorpus(ctx, run)
	if err != nil {
		notifier.NotifyError(err.Error())
		return nil, err
	}
	if empty {
		return uc.finishNoPages(ctx, run)
	}

	// 4. Resolve the root user message and seed the run (plan or rehydrate)
	if err := uc.resolveRoot(ctx, run); err != nil {
		notifier.NotifyError(err.Error())
		return nil, err
	}
	terminal, output, err := uc.seedRun(ctx, run)
	if err != nil {
		notifier.NotifyError(err.Error())
		return nil, err
	}
	if terminal {
		return output, nil
	}

	// 5. Run the iteration loop
	output, err = uc.iterate(ctx, run)
	if err != nil {
		notifier.NotifyError(err.Error())
		return nil, err
	}
	return output, nil
}

func validateAskInput(input *ports.AskQuestionInput) error {
	if input.ConversationID == "" {
		return fmt.Errorf("%w: conversationId is required", domain.ErrBadRequest)
	}
	if input.UserID == "" {
		return fmt.Errorf("%w: user is required", domain.ErrUnauthorized)
	}
	if input.UserMessage == "" && input.AppendToMessageID == "" {
		return fmt.Errorf("%w: userMessage is required", domain.ErrBadRequest)
	}
	return nil
}

// loadCorpus loads sources, indexed pages, and the lead chunks that seed the
// evidence pool. It reports true when the conversation has no indexed pages.
func (uc *AnswerQuestion) loadCorpus(ctx context.Context, run *runState) (empty bool, err error) {
	sources, err := uc.sources.GetByConversation(ctx, run.conversation.ID)
	if err != nil {
		return false, fmt.Errorf("failed to load sources: %w", err)
	}
	for _, source := range sources {
		run.sourceIDs = append(run.sourceIDs, source.ID)
	}

	if len(run.sourceIDs) == 0 {
		return true, nil
	}
	pages, err := uc.pages.GetIndexedBySources(ctx, run.sourceIDs)
	if err != nil {
		return false, fmt.Errorf("failed to load pages: %w", err)
	}
	if len(pages) == 0 {
		return true, nil
	}

	run.pageByID = make(map[string]*models.Page, len(pages))
	for _, page := range pages {
		run.pageByID[page.ID] = page
		run.pageIDs = append(run.pageIDs, page.ID)
	}

	leads, err := uc.chunks.GetLeadChunks(ctx, run.pageIDs)
	if err != nil {
		return false, fmt.Errorf("failed to load lead chunks: %w", err)
	}
	run.addToPool(leads)
	return false, nil
}

// finishNoPages persists the stock empty-corpus reply and terminates.
func (uc *AnswerQuestion) finishNoPages(ctx context.Context, run *runState) (*ports.AskQuestionOutput, error) {
	sequence, err := uc.messages.GetNextSequenceNumber(ctx, run.conversation.ID)
	if err != nil {
		run.notifier.NotifyError("failed to persist reply")
		return nil, fmt.Errorf("failed to get sequence number: %w", err)
	}
	message := models.NewAssistantMessage(uc.idGenerator.GenerateMessageID(), run.conversation.ID, sequence, noPagesMessage)
	if err := uc.messages.Create(ctx, message); err != nil {
		run.notifier.NotifyError("failed to persist reply")
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	metrics.MessagesTotal.Inc()

	run.notifier.NotifyDone(&ports.DonePayload{Message: toMessageOut(message), Quotes: []ports.QuoteOut{}})
	return &ports.AskQuestionOutput{Message: message}, nil
}

// resolveRoot determines the user message this run answers. Append mode
// threads off a prior assistant message; otherwise the caller must name the
// root user message it already persisted.
func (uc *AnswerQuestion) resolveRoot(ctx context.Context, run *runState) error {
	input := run.input

	switch {
	case input.AppendToMessageID != "":
		previous, err := uc.messages.GetByID(ctx, input.AppendToMessageID)
		if err != nil {
			if isNotFound(err) {
				return domain.ErrCorruptedState
			}
			return fmt.Errorf("failed to load append target: %w", err)
		}
		if previous.ConversationID != run.conversation.ID || !previous.IsFromAssistant() {
			return domain.ErrCorruptedState
		}
		root, err := uc.messages.GetPrecedingUserMessage(ctx, previous.ID)
		if err != nil {
			return fmt.Errorf("failed to resolve root message: %w", err)
		}
		if root == nil {
			return domain.ErrCorruptedState
		}
		run.root = root
		run.question = root.Content
		run.appendRun = true
		run.followsMessageID = previous.ID
		run.expansions = 1
		// The suggestion has been acted on; clear it from the prior turn.
		if err := uc.messages.ClearSuggestedPage(ctx, previous.ID); err != nil {
			log.Printf("[AnswerQuestion] warning: failed to clear suggested page on %s: %v", previous.ID, err)
		}

	case input.RootMessageID != "":
		root, err := uc.messages.GetByID(ctx, input.RootMessageID)
		if err != nil {
			if isNotFound(err) {
				return domain.ErrCorruptedState
			}
			return fmt.Errorf("failed to load root message: %w", err)
		}
		if root.ConversationID != run.conversation.ID || !root.IsFromUser() {
			return domain.ErrCorruptedState
		}
		run.root = root
		run.question = root.Content
		if run.question == "" {
			run.question = input.UserMessage
		}

	default:
		return domain.ErrCorruptedState
	}

	history, err := uc.messages.GetLatestByConversation(ctx, run.conversation.ID, uc.params.LastMessagesCount)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	// Newest-first from storage; prompts want oldest-first, without the
	// question itself.
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].ID == run.root.ID {
			continue
		}
		run.history = append(run.history, history[i])
	}
	return nil
}

// seedRun prepares the first iteration: a fresh run plans a slot graph, an
// append run rehydrates the previous one. It reports terminal=true when the
// planner asked for clarification and the run already finished.
func (uc *AnswerQuestion) seedRun(ctx context.Context, run *runState) (terminal bool, output *ports.AskQuestionOutput, err error) {
	if run.appendRun {
		if err := uc.rehydrate(ctx, run); err != nil {
			return false, nil, err
		}
		plan := &ports.PlanPayload{
			Action:     string(models.ReasoningActionRetrieve),
			Why:        "Re-running the search over the expanded corpus",
			Slots:      uc.thoughtSlots(run),
			Subqueries: toPlanSubqueries(run.pending),
		}
		run.tp.Slots = plan.Slots
		run.tp.PlanReason = plan.Why
		run.notifier.NotifyPlan(plan)
		return false, nil, nil
	}

	plan := uc.planner.BuildPlan(ctx, run.question)
	if plan.ParseFailed {
		run.gaps = append(run.gaps, "planning: model output unusable, fell back to a single-slot plan")
	}

	if err := uc.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		created, upsertErr := uc.slotStore.UpsertPlan(txCtx, run.root.ID, plan.Slots)
		if upsertErr != nil {
			return upsertErr
		}
		run.slots = created
		return nil
	}); err != nil {
		return false, nil, fmt.Errorf("failed to persist plan: %w", err)
	}
	run.indexSlots()
	run.pending = plan.Subqueries

	action := models.ReasoningActionPlan
	if plan.Action == models.ReasoningActionClarify {
		action = models.ReasoningActionClarify
	}
	if err := uc.persistStep(ctx, run, action, plan.Why, 0, nil); err != nil {
		return false, nil, err
	}

	payload := &ports.PlanPayload{
		Action:     string(plan.Action),
		Why:        plan.Why,
		Slots:      uc.thoughtSlots(run),
		Subqueries: toPlanSubqueries(plan.Subqueries),
	}
	run.tp.Slots = payload.Slots
	run.tp.PlanReason = plan.Why
	run.notifier.NotifyPlan(payload)

	uc.emitStep(run, models.ThoughtStep{
		Iter:   0,
		Action: action,
		Label:  labelForAction(action),
		Why:    plan.Why,
	})

	if plan.Action == models.ReasoningActionClarify {
		run.finalAction = models.ReasoningActionClarify
		output, err := uc.finishClarify(ctx, run, plan.Questions)
		return true, output, err
	}
	return false, nil, nil
}

// rehydrate restores the slot graph and the first retrieval step's
// subqueries of a previous run over this root message.
func (uc *AnswerQuestion) rehydrate(ctx context.Context, run *runState) error {
	slots, err := uc.slots.GetSlotsByRootMessage(ctx, run.root.ID)
	if err != nil {
		return fmt.Errorf("failed to load slots: %w", err)
	}
	if len(slots) == 0 {
		return domain.ErrCorruptedState
	}
	run.slots = slots
	run.indexSlots()

	// finished_querying is monotone only within a run; the expanded corpus
	// deserves a fresh pass.
	for _, slot := range run.slots {
		if slot.FinishedQuerying {
			slot.ResetForRerun()
			if err := uc.slots.UpdateSlot(ctx, slot); err != nil {
				return fmt.Errorf("failed to reset slot %s: %w", slot.Name, err)
			}
		}
	}

	steps, err := uc.reasoning.GetStepsByRootMessage(ctx, run.root.ID)
	if err != nil {
		return fmt.Errorf("failed to load steps: %w", err)
	}
	for _, step := range steps {
		subqueries, err := uc.reasoning.GetSubqueriesByStep(ctx, step.ID)
		if err != nil {
			log.Printf("[AnswerQuestion] warning: failed to load subqueries of step %s: %v", step.ID, err)
			continue
		}
		if len(subqueries) == 0 {
			continue
		}
		for _, subquery := range subqueries {
			run.pending = append(run.pending, services.PlannedSubquery{
				Slot:     subquery.SlotName,
				Query:    subquery.QueryText,
				Strategy: subquery.Strategy,
			})
		}
		break
	}
	return nil
}

// iterate is the retrieve/extract/decide loop.
func (uc *AnswerQuestion) iterate(ctx context.Context, run *runState) (*ports.AskQuestionOutput, error) {
	for iter := 1; iter <= uc.params.MaxIterations; iter++ {
		run.lastIter = iter

		action, result, err := uc.runIteration(ctx, run, iter)
		if err != nil {
			return nil, err
		}

		switch action {
		case models.ReasoningActionAnswer:
			run.finalAction = models.ReasoningActionAnswer
			return uc.finishAnswer(ctx, run, result.Decision.Why)
		case models.ReasoningActionClarify:
			run.finalAction = models.ReasoningActionClarify
			return uc.finishClarify(ctx, run, result.Decision.Questions)
		case models.ReasoningActionExpandCorpus:
			run.finalAction = models.ReasoningActionExpandCorpus
			return uc.finishExpansion(ctx, run, result.Decision)
		default:
			run.pending = result.Decision.NextSubqueries
			run.prevTotalItems = totalItems(run.counts)
		}
	}

	run.hardStop = hardStopIterations
	run.finalAction = models.ReasoningActionAnswer
	return uc.finishAnswer(ctx, run, "")
}

// runIteration executes one retrieve/extract/decide pass and returns the
// resolved action for it.
func (uc *AnswerQuestion) runIteration(ctx context.Context, run *runState, iter int) (models.ReasoningAction, *services.ExtractResult, error) {
	ctx, span := otel.Tracer("quarry-engine").Start(ctx, "engine.iteration",
		trace.WithAttributes(
			attribute.String("conversation.id", run.conversation.ID),
			attribute.Int("iteration", iter),
		))
	defer span.End()

	// 1. Build this step's subqueries under filters, dedup, budgets.
	subqueries := uc.buildSubqueries(run)

	// 2. Retrieve per query and fair-merge into the evidence pool.
	chunksPerQuery := uc.retrieve(ctx, run, subqueries)

	// 3. Extract claims and decide how to continue.
	items, err := uc.slots.GetItemsByRootMessage(ctx, run.root.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "slot items load failed")
		return "", nil, fmt.Errorf("failed to load slot items: %w", err)
	}
	itemsBySlot := services.GroupItemsBySlot(items)
	result := uc.extractAndDecide(ctx, run, iter, subqueries, itemsBySlot)
	if result.Decision.ParseFailed {
		run.gaps = append(run.gaps, fmt.Sprintf("iteration %d: extraction output unusable", iter))
	}

	// 4. Record claims, refresh counts, bookkeep per-slot attempts.
	outcome, err := uc.recordIteration(ctx, run, subqueries, itemsBySlot, result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim recording failed")
		return "", nil, err
	}

	// 5.+6. Resolve overrides, persist the step, emit progress.
	action := uc.resolveAction(ctx, run, iter, result, itemsBySlot)

	if err := uc.persistStep(ctx, run, action, result.Decision.Why, run.completeness, subqueries); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "step persistence failed")
		return "", nil, err
	}

	uc.emitStep(run, models.ThoughtStep{
		Iter:           iter,
		Action:         action,
		Label:          labelForAction(action),
		Why:            result.Decision.Why,
		Subqueries:     queryTexts(subqueries),
		ChunksPerQuery: chunksPerQuery,
		QuotesFound:    len(outcome.CitedChunks),
		Claims:         outcome.NewItems,
		Completeness:   run.completeness,
	})

	span.SetAttributes(
		attribute.Int("subqueries", len(subqueries)),
		attribute.Int("new_claims", outcome.NewItems),
		attribute.Float64("completeness", run.completeness),
		attribute.String("action", string(action)),
	)

	return action, result, nil
}

// buildSubqueries turns the pending proposals into executable subqueries:
// unknown, finished, filled, and dependency-blocked slots are dropped,
// already-executed (slot, query) pairs are skipped, and the remainder is
// truncated to the per-step and whole-run budgets.
func (uc *AnswerQuestion) buildSubqueries(run *runState) []executedSubquery {
	perStepLeft := uc.params.MaxSubqueriesPerIter
	totalLeft := uc.params.MaxTotalSubqueries - run.totalQueries

	var out []executedSubquery
	for _, proposal := range run.pending {
		if perStepLeft <= 0 || totalLeft <= 0 {
			break
		}
		query := strings.TrimSpace(proposal.Query)
		if query == "" {
			continue
		}
		slot := run.slotByName[proposal.Slot]
		if slot == nil {
			log.Printf("[AnswerQuestion] warning: subquery for unknown slot %q dropped", proposal.Slot)
			continue
		}
		if slot.FinishedQuerying || slot.HasReachedTarget() {
			continue
		}
		if slot.DependsOnSlotID != "" {
			parent := run.slotByID[slot.DependsOnSlotID]
			if parent == nil || parent.CurrentItemCount == 0 {
				continue
			}
		}
		key := slot.ID + "\x00" + strings.ToLower(query)
		if run.executed[key] {
			continue
		}
		run.executed[key] = true

		strategy := models.SubqueryStrategyTargeted
		if slot.IsBroad() {
			strategy = models.SubqueryStrategyBroad
		}
		out = append(out, executedSubquery{slot: slot, query: query, strategy: strategy, broad: slot.IsBroad()})
		perStepLeft--
		totalLeft--
		run.totalQueries++
	}
	run.pending = nil
	metrics.SubqueriesTotal.Add(float64(len(out)))
	return out
}

// retrieve embeds and runs each subquery, fair-merges the per-query result
// lists under the merged cap, and unions the survivors into the evidence
// pool. Individual query failures are logged and skipped.
func (uc *AnswerQuestion) retrieve(ctx context.Context, run *runState, subqueries []executedSubquery) map[string]int {
	if len(subqueries) == 0 {
		return nil
	}
	chunksPerQuery := make(map[string]int, len(subqueries))
	for _, subquery := range subqueries {
		chunksPerQuery[subquery.query] = 0
	}

	texts := make([]string, len(subqueries))
	for i, subquery := range subqueries {
		texts[i] = subquery.query
	}
	embeddings, err := uc.embedder.EmbedBatch(ctx, texts)
	if err != nil || len(embeddings) != len(texts) {
		log.Printf("[AnswerQuestion] warning: batch embedding failed for %d queries: %v", len(texts), err)
		return chunksPerQuery
	}

	perQuery := make([][]*models.Chunk, 0, len(subqueries))
	for i, subquery := range subqueries {
		chunks, err := uc.chunks.MatchChunks(ctx, embeddings[i].Embedding, run.pageIDs, uc.params.MatchChunksPerQuery)
		if err != nil {
			log.Printf("[AnswerQuestion] warning: retrieval failed for %q: %v", subquery.query, err)
			continue
		}
		chunksPerQuery[subquery.query] = len(chunks)
		perQuery = append(perQuery, chunks)
	}
	merged := services.SelectChunks(perQuery, uc.params.MatchChunksMergedCap)
	run.addToPool(merged)
	return chunksPerQuery
}

// extractAndDecide assembles the extraction prompt state and runs the
// combined extract/decide call. Expansion candidates are ranked only when
// the action is actually available.
func (uc *AnswerQuestion) extractAndDecide(ctx context.Context, run *runState, iter int, subqueries []executedSubquery, itemsBySlot map[string][]*models.SlotItem) *services.ExtractResult {
	var broadSlots []string
	for _, subquery := range subqueries {
		if subquery.broad {
			broadSlots = append(broadSlots, subquery.slot.Name)
		}
	}
	broadSlots = dedupStrings(broadSlots)

	var finished []string
	attempts := make(map[string][]string)
	for _, slot := range run.slots {
		if slot.FinishedQuerying {
			finished = append(finished, slot.Name)
		}
		if slot.AttemptCount > 0 && len(slot.LastQueries) > 0 && !slot.HasReachedTarget() {
			attempts[slot.Name] = slot.LastQueries
		}
	}

	allowExpand := run.conversation.DynamicSources && run.expansions < uc.params.MaxExpansions
	run.candidates = nil
	if allowExpand {
		run.candidates = uc.expander.RankCandidates(ctx, run.sourceIDs, run.question, queryTexts(subqueries))
	}

	return uc.extractor.ExtractAndDecide(ctx, services.ExtractInput{
		Question:       run.question,
		StateJSON:      services.StructuredState(run.slots, itemsBySlot),
		Chunks:         run.poolChunks(),
		Iteration:      iter,
		MaxIterations:  uc.params.MaxIterations,
		SubqueriesLeft: uc.params.MaxTotalSubqueries - run.totalQueries,
		AllowExpand:    allowExpand && len(run.candidates) > 0,
		Candidates:     run.candidates,
		BroadSlots:     broadSlots,
		FinishedSlots:  finished,
		Attempts:       attempts,
	})
}

// recordIteration writes accepted claims, refreshes item counts and
// completeness, and applies per-slot attempt bookkeeping for every slot
// that had subqueries this step.
func (uc *AnswerQuestion) recordIteration(ctx context.Context, run *runState, subqueries []executedSubquery, itemsBySlot map[string][]*models.SlotItem, result *services.ExtractResult) (*services.ClaimOutcome, error) {
	validChunks := make(map[string]bool, len(run.pool))
	for id := range run.pool {
		validChunks[id] = true
	}
	outcome, err := uc.slotStore.RecordClaims(ctx, run.slots, itemsBySlot, result.Claims, validChunks)
	if err != nil {
		return nil, fmt.Errorf("failed to record claims: %w", err)
	}
	run.gaps = append(run.gaps, outcome.Gaps...)

	counts, err := uc.slots.CountItemsBySlot(ctx, run.root.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count slot items: %w", err)
	}
	run.counts = counts
	for _, slot := range run.slots {
		slot.CurrentItemCount = counts[slot.ID]
	}
	run.completeness = services.OverallCompleteness(run.slots, counts)

	// Validate the decider's broad-completion list against the slots that
	// actually ran a broad retrieval this step.
	broadThisStep := make(map[string]bool)
	queriesBySlot := make(map[string][]string)
	slotOrder := make([]string, 0, len(subqueries))
	for _, subquery := range subqueries {
		if subquery.broad {
			broadThisStep[subquery.slot.Name] = true
		}
		if _, seen := queriesBySlot[subquery.slot.ID]; !seen {
			slotOrder = append(slotOrder, subquery.slot.ID)
		}
		queriesBySlot[subquery.slot.ID] = append(queriesBySlot[subquery.slot.ID], subquery.query)
	}
	completed := make(map[string]bool)
	for _, name := range result.Decision.CompletedSlots {
		if broadThisStep[name] {
			completed[name] = true
		} else {
			log.Printf("[AnswerQuestion] warning: broad completion for %q ignored, slot was not searched broadly this step", name)
		}
	}

	for _, slotID := range slotOrder {
		slot := run.slotByID[slotID]
		if completed[slot.Name] || outcome.PerSlotNew[slot.ID] == 0 {
			slot.MarkFinished()
		}
		if err := uc.slotStore.RecordAttempt(ctx, slot, queriesBySlot[slotID]); err != nil {
			return nil, fmt.Errorf("failed to record attempt for %s: %w", slot.Name, err)
		}
	}
	return outcome, nil
}

// resolveAction applies the decision overrides: expansion gating, the
// dependent-slot fallback, and the retrieve hard-stop matrix.
func (uc *AnswerQuestion) resolveAction(ctx context.Context, run *runState, iter int, result *services.ExtractResult, itemsBySlot map[string][]*models.SlotItem) models.ReasoningAction {
	action := result.Decision.Action

	if action == models.ReasoningActionExpandCorpus {
		fallbacks := uc.dependentFallbacks(ctx, run, itemsBySlot)
		switch {
		case !run.conversation.DynamicSources:
			log.Printf("[AnswerQuestion] expand_corpus unavailable for static sources, retrieving instead")
			action = models.ReasoningActionRetrieve
		case len(fallbacks) > 0:
			// Unfilled mapping keys under a non-empty parent are still
			// findable in the current corpus; search those first.
			result.Decision.NextSubqueries = fallbacks
			log.Printf("[AnswerQuestion] expand_corpus deferred, %d dependent-slot fallback queries remain", len(fallbacks))
			action = models.ReasoningActionRetrieve
		case run.expansions >= uc.params.MaxExpansions:
			log.Printf("[AnswerQuestion] expansion budget exhausted, forcing answer")
			action = models.ReasoningActionAnswer
		case len(run.candidates) == 0:
			log.Printf("[AnswerQuestion] expand_corpus chosen with no candidate pages, retrieving instead")
			action = models.ReasoningActionRetrieve
		}
	}

	if action == models.ReasoningActionRetrieve {
		delta := totalItems(run.counts) - run.prevTotalItems
		switch {
		case iter >= 2 && delta <= uc.params.StagnationThreshold:
			run.hardStop = hardStopStagnation
		case run.completeness == 0:
			run.hardStop = hardStopNoEvidence
		case run.totalQueries >= uc.params.MaxTotalSubqueries:
			run.hardStop = hardStopBudget
		case iter >= uc.params.MaxIterations:
			run.hardStop = hardStopIterations
		}
		if run.hardStop != "" {
			action = models.ReasoningActionAnswer
		}
	}
	return action
}

// dependentFallbacks derives targeted subqueries for mapping slots whose
// parent has values but whose keys are not yet all covered.
func (uc *AnswerQuestion) dependentFallbacks(ctx context.Context, run *runState, staleItems map[string][]*models.SlotItem) []services.PlannedSubquery {
	items, err := uc.slots.GetItemsByRootMessage(ctx, run.root.ID)
	itemsBySlot := staleItems
	if err == nil {
		itemsBySlot = services.GroupItemsBySlot(items)
	} else {
		log.Printf("[AnswerQuestion] warning: failed to refresh items for fallback queries: %v", err)
	}

	var out []services.PlannedSubquery
	for _, slot := range run.slots {
		if slot.Type != models.SlotTypeMapping || slot.FinishedQuerying || slot.DependsOnSlotID == "" {
			continue
		}
		parentItems := itemsBySlot[slot.DependsOnSlotID]
		if len(parentItems) == 0 {
			continue
		}
		topic := slot.Description
		if topic == "" {
			topic = slot.Name
		}
		for _, key := range services.MissingMappingKeys(parentItems, itemsBySlot[slot.ID], slot.ItemsPerKey) {
			out = append(out, services.PlannedSubquery{
				Slot:     slot.Name,
				Query:    key + " " + topic,
				Strategy: models.SubqueryStrategyTargeted,
			})
		}
	}
	return out
}

// finishAnswer composes and persists the final cited answer. Hard-stopped
// runs answer from partial evidence; a zero-completeness hard stop skips
// composition and uses the stock sentence. In dynamic conversations a hard
// stop also tries to attach a corpus-expansion suggestion.
func (uc *AnswerQuestion) finishAnswer(ctx context.Context, run *runState, why string) (*ports.AskQuestionOutput, error) {
	run.tp.HardStopReason = run.hardStop
	if run.hardStop != "" && run.hardStop != hardStopNoEvidence {
		run.tp.PartialAnswerNote = "The search stopped early: " + run.hardStop
	}

	messageID := uc.idGenerator.GenerateMessageID()
	content := noEvidenceMessage
	var quotes []*models.Quote

	if run.hardStop == "" || run.completeness > 0 {
		items, err := uc.slots.GetItemsByRootMessage(ctx, run.root.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load slot items: %w", err)
		}
		evidence, err := uc.slots.GetEvidenceBySlot(ctx, run.root.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load evidence: %w", err)
		}
		built, err := uc.answers.Build(ctx, services.AnswerInput{
			Question:       run.question,
			StateJSON:      services.StructuredState(run.slots, services.GroupItemsBySlot(items)),
			History:        run.history,
			EvidenceBySlot: evidence,
			SlotOrder:      slotIDs(run.slots),
			PoolChunks:     run.pool,
			PageByID:       run.pageByID,
			MessageID:      messageID,
			PartialNote:    run.tp.PartialAnswerNote,
		})
		if err != nil {
			return nil, err
		}
		if built.ParseFailed {
			run.gaps = append(run.gaps, "answer: model returned prose instead of the JSON envelope")
		}
		content = built.Content
		quotes = built.Quotes
	}

	if run.hardStop != "" {
		uc.attachHardStopSuggestion(ctx, run)
	}

	uc.emitStep(run, models.ThoughtStep{
		Iter:         run.lastIter,
		Action:       models.ReasoningActionAnswer,
		Label:        labelForAction(models.ReasoningActionAnswer),
		Why:          why,
		QuotesFound:  len(quotes),
		Claims:       totalItems(run.counts),
		Completeness: run.completeness,
	})

	message, err := uc.persistTerminal(ctx, run, messageID, content, quotes)
	if err != nil {
		return nil, err
	}
	return uc.finishDone(ctx, run, message, quotes), nil
}

// attachHardStopSuggestion tries to surface a corpus-expansion candidate on
// a hard-stopped run in a dynamic conversation.
func (uc *AnswerQuestion) attachHardStopSuggestion(ctx context.Context, run *runState) {
	if !run.conversation.DynamicSources || run.expansions >= uc.params.MaxExpansions {
		return
	}
	candidates := run.candidates
	if len(candidates) == 0 {
		candidates = uc.expander.RankCandidates(ctx, run.sourceIDs, run.question, nil)
	}
	suggestion := uc.expander.BuildSuggestion(ctx, candidates, 1)
	if suggestion == nil {
		return
	}
	run.suggestion = suggestion
	run.expansions++
	metrics.CorpusExpansionsTotal.Inc()
}

// finishClarify persists the clarification message listing the questions.
func (uc *AnswerQuestion) finishClarify(ctx context.Context, run *runState, questions []string) (*ports.AskQuestionOutput, error) {
	run.tp.ClarifyQuestions = questions

	var sb strings.Builder
	sb.WriteString(clarifyIntro)
	for _, question := range questions {
		sb.WriteString("\n- ")
		sb.WriteString(question)
	}

	message, err := uc.persistTerminal(ctx, run, uc.idGenerator.GenerateMessageID(), sb.String(), nil)
	if err != nil {
		return nil, err
	}
	run.notifier.NotifyClarify(questions)
	output := uc.finishDone(ctx, run, message, nil)
	output.Clarify = questions
	return output, nil
}

// finishExpansion persists the stub message carrying the suggested page.
func (uc *AnswerQuestion) finishExpansion(ctx context.Context, run *runState, decision services.Decision) (*ports.AskQuestionOutput, error) {
	suggestion := uc.expander.BuildSuggestion(ctx, run.candidates, decision.SuggestedPageIndex)
	if suggestion == nil {
		// Guarded in resolveAction; kept for safety.
		run.hardStop = hardStopNoEvidence
		return uc.finishAnswer(ctx, run, decision.Why)
	}
	run.suggestion = suggestion
	run.expansions++
	run.tp.ExpandCorpusReason = decision.Why
	metrics.CorpusExpansionsTotal.Inc()

	message, err := uc.persistTerminal(ctx, run, uc.idGenerator.GenerateMessageID(), expansionStubMessage, nil)
	if err != nil {
		return nil, err
	}
	return uc.finishDone(ctx, run, message, nil), nil
}

// persistTerminal writes the assistant message and its quotes in one
// transaction, so a failed run leaves no half-persisted reply.
func (uc *AnswerQuestion) persistTerminal(ctx context.Context, run *runState, messageID, content string, quotes []*models.Quote) (*models.Message, error) {
	run.tp.ExtractionGaps = run.gaps

	sequence, err := uc.messages.GetNextSequenceNumber(ctx, run.conversation.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sequence number: %w", err)
	}
	message := models.NewAssistantMessage(messageID, run.conversation.ID, sequence, content)
	message.SetThoughtProcess(run.tp)
	if run.suggestion != nil {
		message.SetSuggestedPage(run.suggestion)
	}
	if run.followsMessageID != "" {
		message.SetFollowsMessage(run.followsMessageID)
	}
	if run.input.ScrapedPageDisplay != "" {
		message.ScrapedPageDisplay = run.input.ScrapedPageDisplay
	}

	if err := uc.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := uc.messages.Create(txCtx, message); err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}
		for _, quote := range quotes {
			if err := uc.quotes.Create(txCtx, quote); err != nil {
				return fmt.Errorf("failed to create quote %d: %w", quote.CitationOrder, err)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	metrics.MessagesTotal.Inc()
	return message, nil
}

// finishDone emits the terminal event, records run metrics and the
// best-effort run log, and assembles the output.
func (uc *AnswerQuestion) finishDone(ctx context.Context, run *runState, message *models.Message, quotes []*models.Quote) *ports.AskQuestionOutput {
	metrics.ReasoningRunsTotal.WithLabelValues(string(run.finalAction)).Inc()
	metrics.ReasoningIterations.Observe(float64(run.lastIter))

	done := &ports.DonePayload{
		Message:        toMessageOut(message),
		Quotes:         toQuoteOuts(quotes, run.pageByID),
		ThoughtProcess: run.tp,
	}
	if run.suggestion != nil {
		done.SuggestedPage = run.suggestion
		done.SuggestedTitle = run.suggestion.Title
	}
	run.notifier.NotifyDone(done)

	payload := map[string]any{
		"question":     run.question,
		"action":       string(run.finalAction),
		"iterations":   run.lastIter,
		"subqueries":   run.totalQueries,
		"completeness": run.completeness,
		"expansions":   run.expansions,
		"append_run":   run.appendRun,
	}
	if run.hardStop != "" {
		payload["hard_stop_reason"] = run.hardStop
	}
	if len(run.gaps) > 0 {
		payload["extraction_gaps"] = run.gaps
	}
	if err := uc.runLogs.Insert(ctx, run.root.ID, payload); err != nil {
		log.Printf("[AnswerQuestion] warning: run log insert failed: %v", err)
	}

	return &ports.AskQuestionOutput{
		Message:        message,
		Quotes:         quotes,
		SuggestedPage:  run.suggestion,
		ThoughtProcess: run.tp,
	}
}

// persistStep writes the ReasoningStep row for this iteration along with
// the subqueries it executed. Chunks first seen since the last persisted
// step are recorded on this one.
func (uc *AnswerQuestion) persistStep(ctx context.Context, run *runState, action models.ReasoningAction, why string, completeness float64, subqueries []executedSubquery) error {
	iteration, err := uc.reasoning.GetNextIterationNumber(ctx, run.root.ID)
	if err != nil {
		return fmt.Errorf("failed to get iteration number: %w", err)
	}
	step := models.NewReasoningStep(uc.idGenerator.GenerateReasoningStepID(), run.root.ID, iteration, action, why)
	step.CompletenessScore = completeness
	step.ChunkIDs = run.newChunkIDs
	run.newChunkIDs = nil

	if err := uc.reasoning.CreateStep(ctx, step); err != nil {
		return fmt.Errorf("failed to create reasoning step: %w", err)
	}
	if len(subqueries) > 0 {
		rows := make([]*models.ReasoningSubquery, 0, len(subqueries))
		for _, subquery := range subqueries {
			rows = append(rows, models.NewReasoningSubquery(
				uc.idGenerator.GenerateSubqueryID(),
				step.ID,
				subquery.slot.ID,
				subquery.slot.Name,
				subquery.query,
				subquery.strategy,
			))
		}
		if err := uc.reasoning.CreateSubqueries(ctx, rows); err != nil {
			return fmt.Errorf("failed to create subqueries: %w", err)
		}
	}
	return nil
}

// emitStep numbers the step line, appends it to the thought process, and
// notifies both.
func (uc *AnswerQuestion) emitStep(run *runState, step models.ThoughtStep) {
	run.stepNum++
	step.Step = run.stepNum
	step.TotalSteps = run.totalSteps
	if uc.params.IncludeFillStatusBySlot && step.Iter > 0 {
		step.FillStatusBySlot = services.FillStatusBySlot(run.slots, run.counts)
	}
	run.tp.Steps = append(run.tp.Steps, step)
	run.tp.ExtractionGaps = run.gaps
	run.notifier.NotifyStep(&step)
	run.notifier.NotifyThoughtProcess(run.tp)
}

func (uc *AnswerQuestion) thoughtSlots(run *runState) []models.ThoughtSlot {
	out := make([]models.ThoughtSlot, 0, len(run.slots))
	for _, slot := range run.slots {
		thought := models.ThoughtSlot{
			Name:            slot.Name,
			Description:     slot.Description,
			Type:            slot.Type,
			Required:        slot.Required,
			TargetItemCount: slot.TargetItemCount,
			ItemsPerKey:     slot.ItemsPerKey,
		}
		if parent := run.slotByID[slot.DependsOnSlotID]; parent != nil {
			thought.DependsOn = parent.Name
		}
		out = append(out, thought)
	}
	return out
}

func (run *runState) indexSlots() {
	for _, slot := range run.slots {
		run.slotByID[slot.ID] = slot
		run.slotByName[slot.Name] = slot
	}
}

func (run *runState) addToPool(chunks []*models.Chunk) {
	for _, chunk := range chunks {
		if run.pool[chunk.ID] != nil {
			continue
		}
		run.pool[chunk.ID] = chunk
		run.poolOrder = append(run.poolOrder, chunk.ID)
		run.newChunkIDs = append(run.newChunkIDs, chunk.ID)
	}
}

func (run *runState) poolChunks() []*models.Chunk {
	out := make([]*models.Chunk, 0, len(run.poolOrder))
	for _, id := range run.poolOrder {
		out = append(out, run.pool[id])
	}
	return out
}

func labelForAction(action models.ReasoningAction) string {
	switch action {
	case models.ReasoningActionPlan:
		return "Planning"
	case models.ReasoningActionRetrieve:
		return "Searching the corpus"
	case models.ReasoningActionAnswer:
		return "Composing answer"
	case models.ReasoningActionExpandCorpus:
		return "Suggesting a new page"
	case models.ReasoningActionClarify:
		return "Asking for clarification"
	default:
		return string(action)
	}
}

func toPlanSubqueries(planned []services.PlannedSubquery) []ports.PlanSubqueryOut {
	out := make([]ports.PlanSubqueryOut, 0, len(planned))
	for _, subquery := range planned {
		out = append(out, ports.PlanSubqueryOut{
			Slot:     subquery.Slot,
			Query:    subquery.Query,
			Strategy: string(subquery.Strategy),
		})
	}
	return out
}

func toMessageOut(message *models.Message) *ports.MessageOut {
	if message == nil {
		return nil
	}
	return &ports.MessageOut{
		ID:                 message.ID,
		ConversationID:     message.ConversationID,
		Role:               string(message.Role),
		Content:            message.Content,
		ThoughtProcess:     message.ThoughtProcess,
		SuggestedPage:      message.SuggestedPage,
		ScrapedPageDisplay: message.ScrapedPageDisplay,
		FollowsMessageID:   message.FollowsMessageID,
		CreatedAt:          message.CreatedAt,
	}
}

func toQuoteOuts(quotes []*models.Quote, pageByID map[string]*models.Page) []ports.QuoteOut {
	out := make([]ports.QuoteOut, 0, len(quotes))
	for _, quote := range quotes {
		sourceID := ""
		if page := pageByID[quote.PageID]; page != nil {
			sourceID = page.SourceID
		}
		out = append(out, ports.QuoteOut{
			ID:            quote.ID,
			SourceID:      sourceID,
			PageID:        quote.PageID,
			Snippet:       quote.Snippet,
			PageTitle:     quote.PageTitle,
			PagePath:      quote.PagePath,
			Domain:        quote.Domain,
			PageURL:       quote.PageURL,
			ContextBefore: quote.ContextBefore,
			ContextAfter:  quote.ContextAfter,
		})
	}
	return out
}

func queryTexts(subqueries []executedSubquery) []string {
	out := make([]string, 0, len(subqueries))
	for _, subquery := range subqueries {
		out = append(out, subquery.query)
	}
	return out
}

func slotIDs(slots []*models.Slot) []string {
	out := make([]string, 0, len(slots))
	for _, slot := range slots {
		out = append(out, slot.ID)
	}
	return out
}

func totalItems(counts map[string]int) int {
	total := 0
	for _, count := range counts {
		total += count
	}
	return total
}

func dedupStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := values[:0]
	for _, value := range values {
		if seen[value] {
			continue
		}
		seen[value] = true
		out = append(out, value)
	}
	return out
}

// isNotFound matches both the driver's row-miss and the domain's own
// not-found errors, so usecases can translate either into a 404.
func isNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrConversationNotFound) ||
		errors.Is(err, domain.ErrMessageNotFound)
}

// noopNotifier discards progress events for callers that only want the
// terminal output.
type noopNotifier struct{}

func (noopNotifier) NotifyPlan(*ports.PlanPayload)               {}
func (noopNotifier) NotifyStep(*models.ThoughtStep)              {}
func (noopNotifier) NotifyThoughtProcess(*models.ThoughtProcess) {}
func (noopNotifier) NotifyClarify([]string)                      {}
func (noopNotifier) NotifyDone(*ports.DonePayload)               {}
func (noopNotifier) NotifyError(string)                          {}
