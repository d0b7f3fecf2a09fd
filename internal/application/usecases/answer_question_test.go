package usecases

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/longregen/quarry/internal/domain"
	"github.com/longregen/quarry/internal/domain/models"
	"github.com/longregen/quarry/internal/ports"
)

func testEngineParams() EngineParams {
	return EngineParams{
		MaxIterations:           4,
		MaxSubqueriesPerIter:    5,
		MaxTotalSubqueries:      12,
		MaxExpansions:           2,
		StagnationThreshold:     0,
		MatchChunksPerQuery:     8,
		MatchChunksMergedCap:    20,
		MatchLinksPerQuery:      5,
		CandidateLinksMax:       4,
		FinalAnswerChunksCap:    12,
		QuoteSnippetMaxChars:    240,
		PageContextChars:        160,
		LastMessagesCount:       10,
		IncludeFillStatusBySlot: true,
	}
}

type engineFixture struct {
	uc            *AnswerQuestion
	conversations *mockConversationRepo
	messages      *mockMessageRepo
	sources       *mockSourceRepo
	pages         *mockPageRepo
	chunks        *mockChunkRepo
	links         *mockLinkRepo
	slots         *mockSlotRepo
	reasoning     *mockReasoningRepo
	quotes        *mockQuoteRepo
	runLogs       *mockRunLogRepo
	llm           *mockLLM
	embedder      *mockEmbedder
	notifier      *recordingNotifier
}

func newEngineFixture(params EngineParams, llm *mockLLM) *engineFixture {
	f := &engineFixture{
		conversations: newMockConversationRepo(),
		messages:      newMockMessageRepo(),
		sources:       newMockSourceRepo(),
		pages:         newMockPageRepo(),
		chunks:        newMockChunkRepo(),
		links:         newMockLinkRepo(),
		slots:         newMockSlotRepo(),
		reasoning:     newMockReasoningRepo(),
		quotes:        newMockQuoteRepo(),
		runLogs:       newMockRunLogRepo(),
		llm:           llm,
		embedder:      newMockEmbedder(),
		notifier:      newRecordingNotifier(),
	}
	f.uc = NewAnswerQuestion(
		f.conversations,
		f.messages,
		f.sources,
		f.pages,
		f.chunks,
		f.links,
		f.slots,
		f.reasoning,
		f.quotes,
		f.runLogs,
		llm,
		f.embedder,
		&mockTxManager{},
		newMockIDGenerator(),
		params,
	)
	return f
}

func (f *engineFixture) seedConversation(id, userID string, dynamic bool) {
	conversation := models.NewConversation(id, userID, "Dune research")
	if dynamic {
		conversation.EnableDynamicSources()
	}
	_ = f.conversations.Create(context.Background(), conversation)
}

func (f *engineFixture) seedCorpus(conversationID string) {
	f.sources.add(&models.Source{ID: "src_1", ConversationID: conversationID, Domain: "example.org", RootURL: "https://example.org/"})
	f.pages.add(&models.Page{
		ID:       "page_1",
		SourceID: "src_1",
		Title:    "Dune (novel)",
		Path:     "/wiki/Dune",
		URL:      "https://example.org/wiki/Dune",
		Status:   models.PageStatusIndexed,
		Content:  "The novel Dune by Frank Herbert opens the saga. Dune was first published in 1965. It won the first Nebula Award.",
	})
}

func (f *engineFixture) seedQuestion(id, conversationID string, sequence int, content string) {
	_ = f.messages.Create(context.Background(), models.NewUserMessage(id, conversationID, sequence, content))
}

func testChunk(id, content string) *models.Chunk {
	return &models.Chunk{
		ID:           id,
		PageID:       "page_1",
		Content:      content,
		PageTitle:    "Dune (novel)",
		PagePath:     "/wiki/Dune",
		SourceDomain: "example.org",
		Distance:     0.12,
	}
}

func assertEvents(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("event stream = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q (full stream %v)", i, got[i], want[i], got)
		}
	}
}

func TestAskDirectAnswer(t *testing.T) {
	llm := newMockLLM(
		`{"action":"retrieve","why":"Single fact lookup","slots":[{"name":"publication_date","description":"Year Dune was published","type":"scalar","required":true}],"subqueries":[{"slot":"publication_date","query":"dune publication year"}]}`,
		`{"claims":[{"slot":"publication_date","value":"1965","confidence":0.9,"complete":true,"chunk_ids":["qch_1"]}],"decision":{"action":"answer","why":"The publication date is found"}}`,
		`{"final_answer":"Dune was published in 1965. [[quote:qch_1]]","cited_snippets":{"qch_1":"Dune was first published in 1965."}}`,
	)
	f := newEngineFixture(testEngineParams(), llm)
	f.seedConversation("qc_1", "user-1", false)
	f.seedCorpus("qc_1")
	f.seedQuestion("qm_root", "qc_1", 1, "When was Dune published?")
	f.chunks.queueMatch(testChunk("qch_1", "Dune was first published in 1965 by Chilton Books."))

	output, err := f.uc.Execute(context.Background(), &ports.AskQuestionInput{
		ConversationID: "qc_1",
		UserID:         "user-1",
		UserMessage:    "When was Dune published?",
		RootMessageID:  "qm_root",
		Notifier:       f.notifier,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if output.Message.Content != "Dune was published in 1965. [1]" {
		t.Errorf("content = %q", output.Message.Content)
	}
	if output.Message.Role != models.MessageRoleAssistant || output.Message.SequenceNumber != 2 {
		t.Errorf("message role/sequence = %s/%d", output.Message.Role, output.Message.SequenceNumber)
	}

	if len(output.Quotes) != 1 {
		t.Fatalf("quotes = %d, want 1", len(output.Quotes))
	}
	quote := output.Quotes[0]
	if quote.CitationOrder != 1 || quote.ChunkID != "qch_1" {
		t.Errorf("quote order/chunk = %d/%s", quote.CitationOrder, quote.ChunkID)
	}
	if quote.Snippet != "Dune was first published in 1965." {
		t.Errorf("quote snippet = %q", quote.Snippet)
	}
	if quote.PageURL != "https://example.org/wiki/Dune" {
		t.Errorf("quote page url = %q", quote.PageURL)
	}
	persisted, _ := f.quotes.GetByMessage(context.Background(), output.Message.ID)
	if len(persisted) != 1 {
		t.Errorf("persisted quotes = %d, want 1", len(persisted))
	}

	tp := output.ThoughtProcess
	if tp == nil || len(tp.Steps) != 3 {
		t.Fatalf("thought process steps = %+v", tp)
	}
	if tp.Steps[0].Step != 1 || tp.Steps[0].Iter != 0 || tp.Steps[0].Action != models.ReasoningActionPlan || tp.Steps[0].Label != "Planning" {
		t.Errorf("plan line = %+v", tp.Steps[0])
	}
	if tp.Steps[1].Step != 2 || tp.Steps[1].Iter != 1 || tp.Steps[1].Action != models.ReasoningActionAnswer {
		t.Errorf("iteration line = %+v", tp.Steps[1])
	}
	if tp.Steps[1].Claims != 1 || tp.Steps[1].QuotesFound != 1 || tp.Steps[1].Completeness != 1 {
		t.Errorf("iteration line counters = %+v", tp.Steps[1])
	}
	if tp.Steps[1].FillStatusBySlot["publication_date"] != models.FillStatusFilled {
		t.Errorf("fill status = %v", tp.Steps[1].FillStatusBySlot)
	}
	if tp.Steps[2].Step != 3 || tp.Steps[2].TotalSteps != 6 {
		t.Errorf("compose line = %+v", tp.Steps[2])
	}

	steps, _ := f.reasoning.GetStepsByRootMessage(context.Background(), "qm_root")
	if len(steps) != 2 {
		t.Fatalf("persisted steps = %d, want 2", len(steps))
	}
	if steps[0].Action != models.ReasoningActionPlan || steps[0].IterationNumber != 1 {
		t.Errorf("step 1 = %+v", steps[0])
	}
	if steps[1].Action != models.ReasoningActionAnswer || steps[1].IterationNumber != 2 {
		t.Errorf("step 2 = %+v", steps[1])
	}
	if len(steps[1].ChunkIDs) != 1 || steps[1].ChunkIDs[0] != "qch_1" {
		t.Errorf("step 2 chunk ids = %v", steps[1].ChunkIDs)
	}
	rows, _ := f.reasoning.GetSubqueriesByStep(context.Background(), steps[1].ID)
	if len(rows) != 1 || rows[0].QueryText != "dune publication year" || rows[0].Strategy != models.SubqueryStrategyTargeted {
		t.Errorf("subquery rows = %+v", rows)
	}

	slots, _ := f.slots.GetSlotsByRootMessage(context.Background(), "qm_root")
	if len(slots) != 1 {
		t.Fatalf("slots = %d", len(slots))
	}
	if slots[0].AttemptCount != 1 || slots[0].FinishedQuerying || len(slots[0].LastQueries) != 1 {
		t.Errorf("slot bookkeeping = %+v", slots[0])
	}

	if len(f.notifier.plans) != 1 {
		t.Fatalf("plan events = %d", len(f.notifier.plans))
	}
	plan := f.notifier.plans[0]
	if plan.Action != "retrieve" || len(plan.Slots) != 1 || plan.Slots[0].Name != "publication_date" {
		t.Errorf("plan payload = %+v", plan)
	}
	if len(plan.Subqueries) != 1 || plan.Subqueries[0].Strategy != "targeted" {
		t.Errorf("plan subqueries = %+v", plan.Subqueries)
	}
	assertEvents(t, f.notifier.kinds(),
		"plan", "step:plan", "thought", "step:answer", "thought", "step:answer", "thought", "done")

	if len(f.runLogs.entries) != 1 {
		t.Fatalf("run logs = %d", len(f.runLogs.entries))
	}
	payload := f.runLogs.entries[0].payload
	if payload["action"] != "answer" || payload["iterations"] != 1 {
		t.Errorf("run log payload = %v", payload)
	}
	if _, present := payload["hard_stop_reason"]; present {
		t.Errorf("unexpected hard stop in run log: %v", payload)
	}
}

func TestAskMultiIterationListSlot(t *testing.T) {
	llm := newMockLLM(
		`{"action":"retrieve","why":"Collect the three novels","slots":[{"name":"novels","description":"The first three Dune novels","type":"list","required":true,"target_item_count":3}],"subqueries":[{"slot":"novels","query":"frank herbert dune novels"}]}`,
		`{"claims":[{"slot":"novels","value":"Dune","confidence":0.9,"chunk_ids":["qch_a"]},{"slot":"novels","value":"Dune Messiah","confidence":0.9,"chunk_ids":["qch_a"]}],"decision":{"action":"retrieve","why":"One novel still missing"},"next_subqueries":[{"slot":"novels","query":"frank herbert dune novels"},{"slot":"novels","query":"third dune novel"}]}`,
		`{"claims":[{"slot":"novels","value":"Children of Dune","confidence":0.85,"chunk_ids":["qch_b"]}],"decision":{"action":"answer","why":"All three novels are known"}}`,
		`{"final_answer":"The first three are Dune [[quote:qch_a]], Dune Messiah [[quote:qch_a]], and Children of Dune. [[quote:qch_b]]","cited_snippets":{"qch_a":"Dune (1965) and Dune Messiah (1969) open the saga.","qch_b":"Children of Dune (1976) completes the original trilogy."}}`,
	)
	f := newEngineFixture(testEngineParams(), llm)
	f.seedConversation("qc_1", "user-1", false)
	f.seedCorpus("qc_1")
	f.seedQuestion("qm_root", "qc_1", 1, "What are the first three Dune novels?")
	f.chunks.queueMatch(testChunk("qch_a", "Dune (1965) and Dune Messiah (1969) open the saga."))
	f.chunks.queueMatch(testChunk("qch_b", "Children of Dune (1976) completes the original trilogy."))

	output, err := f.uc.Execute(context.Background(), &ports.AskQuestionInput{
		ConversationID: "qc_1",
		UserID:         "user-1",
		UserMessage:    "What are the first three Dune novels?",
		RootMessageID:  "qm_root",
		Notifier:       f.notifier,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := "The first three are Dune [1], Dune Messiah [1], and Children of Dune. [2]"
	if output.Message.Content != want {
		t.Errorf("content = %q, want %q", output.Message.Content, want)
	}
	if len(output.Quotes) != 2 {
		t.Fatalf("quotes = %d, want 2", len(output.Quotes))
	}
	if output.Quotes[0].ChunkID != "qch_a" || output.Quotes[1].ChunkID != "qch_b" {
		t.Errorf("quote chunks = %s, %s", output.Quotes[0].ChunkID, output.Quotes[1].ChunkID)
	}

	steps, _ := f.reasoning.GetStepsByRootMessage(context.Background(), "qm_root")
	if len(steps) != 3 {
		t.Fatalf("persisted steps = %d, want 3", len(steps))
	}
	if steps[1].Action != models.ReasoningActionRetrieve {
		t.Errorf("iteration 1 action = %s", steps[1].Action)
	}

	// The first retrieval of a list slot is broad; later ones are targeted,
	// and the repeated proposal is dropped by the run-scoped dedup.
	iter1, _ := f.reasoning.GetSubqueriesByStep(context.Background(), steps[1].ID)
	if len(iter1) != 1 || iter1[0].Strategy != models.SubqueryStrategyBroad {
		t.Errorf("iteration 1 subqueries = %+v", iter1)
	}
	iter2, _ := f.reasoning.GetSubqueriesByStep(context.Background(), steps[2].ID)
	if len(iter2) != 1 || iter2[0].QueryText != "third dune novel" || iter2[0].Strategy != models.SubqueryStrategyTargeted {
		t.Errorf("iteration 2 subqueries = %+v", iter2)
	}

	tp := output.ThoughtProcess
	if len(tp.Steps) != 4 {
		t.Fatalf("thought steps = %d, want 4", len(tp.Steps))
	}
	if tp.Steps[1].Action != models.ReasoningActionRetrieve || tp.Steps[1].Claims != 2 {
		t.Errorf("iteration 1 line = %+v", tp.Steps[1])
	}
	if math.Abs(tp.Steps[1].Completeness-2.0/3.0) > 1e-9 {
		t.Errorf("iteration 1 completeness = %f", tp.Steps[1].Completeness)
	}
	if tp.Steps[1].FillStatusBySlot["novels"] != models.FillStatusPartial {
		t.Errorf("iteration 1 fill status = %v", tp.Steps[1].FillStatusBySlot)
	}
	if tp.Steps[2].Action != models.ReasoningActionAnswer || tp.Steps[2].Completeness != 1 {
		t.Errorf("iteration 2 line = %+v", tp.Steps[2])
	}

	items, _ := f.slots.GetItemsByRootMessage(context.Background(), "qm_root")
	if len(items) != 3 {
		t.Errorf("slot items = %d, want 3", len(items))
	}
	payload := f.runLogs.entries[0].payload
	if payload["subqueries"] != 2 || payload["iterations"] != 2 {
		t.Errorf("run log payload = %v", payload)
	}
}

func TestAskMappingClaimAdmission(t *testing.T) {
	llm := newMockLLM(
		`{"action":"retrieve","why":"List the saga novels and their publication years","slots":[{"name":"books","description":"Novels in the original Dune saga","type":"list","required":true,"target_item_count":2},{"name":"pub_year","description":"Publication year of each novel","type":"mapping","required":true,"dependsOn":"books","items_per_key":1}],"subqueries":[{"slot":"books","query":"dune saga novels"},{"slot":"pub_year","query":"dune novels publication years"}]}`,
		`{"claims":[{"slot":"books","value":"Dune","confidence":0.9,"complete":true,"chunk_ids":["qch_list"]},{"slot":"books","value":"Dune Messiah","confidence":0.85,"complete":true,"chunk_ids":["qch_list"]},{"slot":"pub_year","key":"Dune","value":1965,"confidence":0.9,"complete":true,"chunk_ids":["qch_list"]},{"slot":"pub_year","key":"Children of Dune","value":1976,"confidence":0.8,"complete":true,"chunk_ids":["qch_list"]},{"slot":"publisher","value":"Chilton","confidence":0.5,"chunk_ids":["qch_list"]}],"decision":{"action":"answer","why":"Both novels and one year are known"}}`,
		`{"final_answer":"The saga opens with Dune (1965) [[quote:qch_list]] followed by Dune Messiah. [[quote:qch_list]]","cited_snippets":{"qch_list":"Dune (1965) and Dune Messiah (1969)."}}`,
	)
	f := newEngineFixture(testEngineParams(), llm)
	f.seedConversation("qc_1", "user-1", false)
	f.seedCorpus("qc_1")
	f.seedQuestion("qm_root", "qc_1", 1, "Which novels open the Dune saga and when were they published?")
	f.chunks.queueMatch(testChunk("qch_list", "Dune (1965) and Dune Messiah (1969) open the saga."))

	output, err := f.uc.Execute(context.Background(), &ports.AskQuestionInput{
		ConversationID: "qc_1",
		UserID:         "user-1",
		UserMessage:    "Which novels open the Dune saga and when were they published?",
		RootMessageID:  "qm_root",
		Notifier:       f.notifier,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Dependent-slot subqueries never appear in the plan; they are derived
	// once the parent has values.
	if len(f.notifier.plans[0].Subqueries) != 1 || f.notifier.plans[0].Subqueries[0].Slot != "books" {
		t.Errorf("plan subqueries = %+v", f.notifier.plans[0].Subqueries)
	}
	if f.notifier.plans[0].Slots[1].DependsOn != "books" {
		t.Errorf("plan slot dependency = %+v", f.notifier.plans[0].Slots[1])
	}

	slots, _ := f.slots.GetSlotsByRootMessage(context.Background(), "qm_root")
	var books, pubYear *models.Slot
	for _, slot := range slots {
		switch slot.Name {
		case "books":
			books = slot
		case "pub_year":
			pubYear = slot
		}
	}
	if books == nil || pubYear == nil {
		t.Fatalf("slots missing: %+v", slots)
	}
	if pubYear.DependsOnSlotID != books.ID {
		t.Errorf("pub_year depends on %q, want %q", pubYear.DependsOnSlotID, books.ID)
	}
	if pubYear.TargetItemCount != 2 {
		t.Errorf("pub_year derived target = %d, want 2", pubYear.TargetItemCount)
	}

	bookItems, _ := f.slots.GetItemsBySlot(context.Background(), books.ID)
	if len(bookItems) != 2 {
		t.Errorf("books items = %d, want 2", len(bookItems))
	}
	yearItems, _ := f.slots.GetItemsBySlot(context.Background(), pubYear.ID)
	if len(yearItems) != 1 {
		t.Fatalf("pub_year items = %d, want 1 (invalid key must be rejected)", len(yearItems))
	}
	if yearItems[0].Key != "Dune" || yearItems[0].ValueJSON != "1965" {
		t.Errorf("pub_year item = %+v", yearItems[0])
	}

	gaps := output.ThoughtProcess.ExtractionGaps
	wantGaps := []string{
		`mapping claim for slot "pub_year" keyed on unknown value "Children of Dune"`,
		`claim for unknown slot "publisher" dropped`,
	}
	for _, want := range wantGaps {
		found := false
		for _, gap := range gaps {
			if gap == want {
				found = true
			}
		}
		if !found {
			t.Errorf("gap %q missing from %v", want, gaps)
		}
	}

	if output.Message.Content != "The saga opens with Dune (1965) [1] followed by Dune Messiah. [1]" {
		t.Errorf("content = %q", output.Message.Content)
	}
	if len(output.Quotes) != 1 {
		t.Errorf("quotes = %d, want 1", len(output.Quotes))
	}
}

func TestAskDependencyGateAndFinishedSlot(t *testing.T) {
	llm := newMockLLM(
		`{"action":"retrieve","why":"Find the author and the novels with years","slots":[{"name":"author","description":"Saga author","type":"scalar","required":true},{"name":"books","description":"Saga novels","type":"list","required":true,"target_item_count":2},{"name":"pub_year","description":"Publication years","type":"mapping","required":true,"dependsOn":"books","items_per_key":1}],"subqueries":[{"slot":"author","query":"dune author"},{"slot":"books","query":"dune novels"}]}`,
		`{"claims":[{"slot":"author","value":"Frank Herbert","confidence":0.95,"complete":true,"chunk_ids":["qch_auth"]}],"decision":{"action":"retrieve","why":"Still missing the novel list"},"next_subqueries":[{"slot":"pub_year","query":"dune publication year"},{"slot":"books","query":"herbert sequels"}]}`,
		`{"claims":[],"decision":{"action":"answer","why":"The corpus names only the author"}}`,
		`{"final_answer":"The corpus names Frank Herbert as the saga's author. [[quote:qch_auth]]","cited_snippets":{"qch_auth":"Frank Herbert wrote the Dune saga."}}`,
	)
	f := newEngineFixture(testEngineParams(), llm)
	f.seedConversation("qc_1", "user-1", false)
	f.seedCorpus("qc_1")
	f.seedQuestion("qm_root", "qc_1", 1, "Who wrote the Dune saga and when did each novel appear?")
	f.chunks.queueMatch(testChunk("qch_auth", "Frank Herbert wrote the Dune saga."))
	f.chunks.queueMatch() // the broad books query finds nothing

	output, err := f.uc.Execute(context.Background(), &ports.AskQuestionInput{
		ConversationID: "qc_1",
		UserID:         "user-1",
		UserMessage:    "Who wrote the Dune saga and when did each novel appear?",
		RootMessageID:  "qm_root",
		Notifier:       f.notifier,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// books yielded nothing on its broad pass, so it is finished; pub_year's
	// parent is empty, so its proposed query is gated out. Iteration 2 runs
	// with no subqueries at all.
	steps, _ := f.reasoning.GetStepsByRootMessage(context.Background(), "qm_root")
	if len(steps) != 3 {
		t.Fatalf("persisted steps = %d, want 3", len(steps))
	}
	iter2, _ := f.reasoning.GetSubqueriesByStep(context.Background(), steps[2].ID)
	if len(iter2) != 0 {
		t.Errorf("iteration 2 subqueries = %+v, want none", iter2)
	}

	slots, _ := f.slots.GetSlotsByRootMessage(context.Background(), "qm_root")
	for _, slot := range slots {
		if slot.Name == "books" && !slot.FinishedQuerying {
			t.Errorf("books should be finished after a fruitless broad pass")
		}
	}

	// The second extraction call must see the finished slot and the queries
	// already tried.
	if len(llm.prompts) != 4 {
		t.Fatalf("llm calls = %d, want 4", len(llm.prompts))
	}
	secondExtract := llm.prompts[2]
	if !strings.Contains(secondExtract, "Slots finished querying, propose no subqueries for them: books.") {
		t.Errorf("finished slots missing from prompt:\n%s", secondExtract)
	}
	if !strings.Contains(secondExtract, "Queries already tried:") || !strings.Contains(secondExtract, "- books: dune novels") {
		t.Errorf("attempt history missing from prompt:\n%s", secondExtract)
	}

	tp := output.ThoughtProcess
	if tp.Steps[1].FillStatusBySlot["author"] != models.FillStatusFilled ||
		tp.Steps[1].FillStatusBySlot["books"] != models.FillStatusMissing ||
		tp.Steps[1].FillStatusBySlot["pub_year"] != models.FillStatusMissing {
		t.Errorf("fill status = %v", tp.Steps[1].FillStatusBySlot)
	}
	if math.Abs(tp.Steps[1].Completeness-0.25) > 1e-9 {
		t.Errorf("completeness = %f, want 0.25", tp.Steps[1].Completeness)
	}
	if tp.HardStopReason != "" {
		t.Errorf("hard stop = %q, want none (the decider chose answer)", tp.HardStopReason)
	}
	if output.Message.Content != "The corpus names Frank Herbert as the saga's author. [1]" {
		t.Errorf("content = %q", output.Message.Content)
	}
}

func TestAskExpandCorpusSuggestion(t *testing.T) {
	llm := newMockLLM(
		`{"action":"retrieve","why":"Find the publication date","slots":[{"name":"heretics_date","description":"Publication date of Heretics of Dune","type":"scalar","required":true}],"subqueries":[{"slot":"heretics_date","query":"heretics of dune publication date"}]}`,
		`{"claims":[],"decision":{"action":"expand_corpus","why":"The corpus lacks the publication date of Heretics of Dune"},"suggested_page_index":1}`,
	)
	f := newEngineFixture(testEngineParams(), llm)
	f.seedConversation("qc_1", "user-1", true)
	f.seedCorpus("qc_1")
	f.seedQuestion("qm_root", "qc_1", 1, "When was Heretics of Dune published?")
	f.chunks.queueMatch() // nothing relevant indexed
	f.links.set(
		&models.DiscoveredLink{ID: "ql_1", SourceID: "src_1", FromPageID: "page_1", ToURL: "https://example.org/wiki/Heretics_of_Dune", AnchorText: "Heretics of Dune", Snippet: "The fifth novel.", Distance: 0.2},
		&models.DiscoveredLink{ID: "ql_2", SourceID: "src_1", ToURL: "https://example.org/wiki/Chapterhouse_Dune", AnchorText: "Chapterhouse: Dune", Distance: 0.4},
	)

	output, err := f.uc.Execute(context.Background(), &ports.AskQuestionInput{
		ConversationID: "qc_1",
		UserID:         "user-1",
		UserMessage:    "When was Heretics of Dune published?",
		RootMessageID:  "qm_root",
		Notifier:       f.notifier,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if output.Message.Content != expansionStubMessage {
		t.Errorf("content = %q", output.Message.Content)
	}
	if output.SuggestedPage == nil {
		t.Fatal("no suggested page")
	}
	if output.SuggestedPage.URL != "https://example.org/wiki/Heretics_of_Dune" {
		t.Errorf("suggested url = %q", output.SuggestedPage.URL)
	}
	if output.SuggestedPage.Title != "Heretics of Dune" || output.SuggestedPage.SourceID != "src_1" {
		t.Errorf("suggestion = %+v", output.SuggestedPage)
	}
	if output.SuggestedPage.FromPageTitle != "Dune (novel)" {
		t.Errorf("from page title = %q", output.SuggestedPage.FromPageTitle)
	}
	if output.Message.SuggestedPage == nil || output.Message.SuggestedPage.URL != output.SuggestedPage.URL {
		t.Errorf("message suggestion = %+v", output.Message.SuggestedPage)
	}
	if len(output.Quotes) != 0 {
		t.Errorf("quotes = %d, want 0", len(output.Quotes))
	}

	tp := output.ThoughtProcess
	if tp.ExpandCorpusReason != "The corpus lacks the publication date of Heretics of Dune" {
		t.Errorf("expand reason = %q", tp.ExpandCorpusReason)
	}
	if tp.Steps[1].Label != "Suggesting a new page" {
		t.Errorf("step label = %q", tp.Steps[1].Label)
	}

	steps, _ := f.reasoning.GetStepsByRootMessage(context.Background(), "qm_root")
	if len(steps) != 2 || steps[1].Action != models.ReasoningActionExpandCorpus {
		t.Errorf("persisted steps = %+v", steps)
	}

	done := f.notifier.dones[0]
	if done.SuggestedPage == nil || done.SuggestedTitle != "Heretics of Dune" {
		t.Errorf("done payload suggestion = %+v / %q", done.SuggestedPage, done.SuggestedTitle)
	}

	if llm.calls != 2 {
		t.Errorf("llm calls = %d, want 2 (no answer composition)", llm.calls)
	}
	payload := f.runLogs.entries[0].payload
	if payload["action"] != "expand_corpus" || payload["expansions"] != 1 {
		t.Errorf("run log payload = %v", payload)
	}
}

func TestAskStaticSourcesForceNoEvidenceStop(t *testing.T) {
	llm := newMockLLM(
		`{"action":"retrieve","why":"Find the publication date","slots":[{"name":"heretics_date","description":"Publication date of Heretics of Dune","type":"scalar","required":true}],"subqueries":[{"slot":"heretics_date","query":"heretics of dune publication date"}]}`,
		`{"claims":[],"decision":{"action":"expand_corpus","why":"Need a page that is not indexed"}}`,
	)
	f := newEngineFixture(testEngineParams(), llm)
	f.seedConversation("qc_1", "user-1", false)
	f.seedCorpus("qc_1")
	f.seedQuestion("qm_root", "qc_1", 1, "When was Heretics of Dune published?")
	f.chunks.queueMatch()

	output, err := f.uc.Execute(context.Background(), &ports.AskQuestionInput{
		ConversationID: "qc_1",
		UserID:         "user-1",
		UserMessage:    "When was Heretics of Dune published?",
		RootMessageID:  "qm_root",
		Notifier:       f.notifier,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Static sources demote expand_corpus to retrieve, and a zero
	// completeness score then stops the run with the stock sentence.
	if output.Message.Content != noEvidenceMessage {
		t.Errorf("content = %q", output.Message.Content)
	}
	tp := output.ThoughtProcess
	if tp.HardStopReason != hardStopNoEvidence {
		t.Errorf("hard stop = %q", tp.HardStopReason)
	}
	if tp.PartialAnswerNote != "" {
		t.Errorf("partial note = %q, want empty for the no-evidence stop", tp.PartialAnswerNote)
	}
	if output.SuggestedPage != nil {
		t.Errorf("static sources must not suggest pages: %+v", output.SuggestedPage)
	}
	if llm.calls != 2 {
		t.Errorf("llm calls = %d, want 2 (composition skipped)", llm.calls)
	}
	payload := f.runLogs.entries[0].payload
	if payload["hard_stop_reason"] != hardStopNoEvidence {
		t.Errorf("run log payload = %v", payload)
	}
}

func TestAskStagnationHardStopAttachesSuggestion(t *testing.T) {
	llm := newMockLLM(
		`{"action":"retrieve","why":"Collect the novels","slots":[{"name":"novels","description":"Novels of the saga","type":"list","required":true,"target_item_count":3}],"subqueries":[{"slot":"novels","query":"dune novels"}]}`,
		`{"claims":[{"slot":"novels","value":"Dune","confidence":0.9,"chunk_ids":["qch_a"]}],"decision":{"action":"retrieve","why":"More novels to find"},"next_subqueries":[{"slot":"novels","query":"more dune novels"}]}`,
		`{"claims":[{"slot":"novels","value":"Dune","confidence":0.9,"chunk_ids":["qch_a2"]}],"decision":{"action":"retrieve","why":"Still searching"},"next_subqueries":[{"slot":"novels","query":"dune sequels list"}]}`,
		`{"final_answer":"Only Dune itself is attested in the indexed pages. [[quote:qch_a]]","cited_snippets":{"qch_a":"Dune opens the saga."}}`,
	)
	f := newEngineFixture(testEngineParams(), llm)
	f.seedConversation("qc_1", "user-1", true)
	f.seedCorpus("qc_1")
	f.seedQuestion("qm_root", "qc_1", 1, "Which novels make up the Dune saga?")
	f.chunks.queueMatch(testChunk("qch_a", "Dune opens the saga."))
	f.chunks.queueMatch(testChunk("qch_a2", "Dune, the first novel of the saga."))
	f.links.set(
		&models.DiscoveredLink{ID: "ql_1", SourceID: "src_1", FromPageID: "page_1", ToURL: "https://example.org/wiki/Dune_novels_in_order", AnchorText: "Dune novels in order", Distance: 0.25},
	)

	output, err := f.uc.Execute(context.Background(), &ports.AskQuestionInput{
		ConversationID: "qc_1",
		UserID:         "user-1",
		UserMessage:    "Which novels make up the Dune saga?",
		RootMessageID:  "qm_root",
		Notifier:       f.notifier,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	tp := output.ThoughtProcess
	if tp.HardStopReason != hardStopStagnation {
		t.Fatalf("hard stop = %q, want %q", tp.HardStopReason, hardStopStagnation)
	}
	if tp.PartialAnswerNote != "The search stopped early: "+hardStopStagnation {
		t.Errorf("partial note = %q", tp.PartialAnswerNote)
	}
	if output.Message.Content != "Only Dune itself is attested in the indexed pages. [1]" {
		t.Errorf("content = %q", output.Message.Content)
	}
	if len(output.Quotes) != 1 {
		t.Errorf("quotes = %d, want 1", len(output.Quotes))
	}

	// A hard stop in a dynamic conversation still surfaces an expansion
	// candidate alongside the partial answer.
	if output.SuggestedPage == nil || output.SuggestedPage.URL != "https://example.org/wiki/Dune_novels_in_order" {
		t.Errorf("suggested page = %+v", output.SuggestedPage)
	}
	if output.Message.SuggestedPage == nil {
		t.Errorf("suggestion not persisted on the message")
	}
	done := f.notifier.dones[0]
	if done.SuggestedPage == nil || done.SuggestedTitle != "Dune novels in order" {
		t.Errorf("done suggestion = %+v / %q", done.SuggestedPage, done.SuggestedTitle)
	}

	// The duplicate claim of iteration 2 must not create a second item.
	items, _ := f.slots.GetItemsByRootMessage(context.Background(), "qm_root")
	if len(items) != 1 {
		t.Errorf("slot items = %d, want 1", len(items))
	}

	if len(tp.Steps) != 4 {
		t.Fatalf("thought steps = %d, want 4", len(tp.Steps))
	}
	if tp.Steps[2].Action != models.ReasoningActionAnswer {
		t.Errorf("iteration 2 action = %s, want the stagnation override to answer", tp.Steps[2].Action)
	}
	answerPrompt := llm.prompts[len(llm.prompts)-1]
	if !strings.Contains(answerPrompt, "The search stopped early") {
		t.Errorf("partial note missing from answer prompt:\n%s", answerPrompt)
	}
	payload := f.runLogs.entries[0].payload
	if payload["hard_stop_reason"] != hardStopStagnation {
		t.Errorf("run log payload = %v", payload)
	}
}

func TestAskAppendRerun(t *testing.T) {
	llm := newMockLLM(
		`{"claims":[{"slot":"publication_date","value":"1984","confidence":0.95,"complete":true,"chunk_ids":["qch_new"]}],"decision":{"action":"answer","why":"The expanded corpus holds the date"}}`,
		`{"final_answer":"Heretics of Dune was published in 1984. [[quote:qch_new]]","cited_snippets":{"qch_new":"Heretics of Dune was published in 1984 by Putnam."}}`,
	)
	f := newEngineFixture(testEngineParams(), llm)
	f.seedConversation("qc_1", "user-1", true)
	f.seedCorpus("qc_1")
	f.pages.add(&models.Page{
		ID:       "page_2",
		SourceID: "src_1",
		Title:    "Heretics of Dune",
		Path:     "/wiki/Heretics_of_Dune",
		URL:      "https://example.org/wiki/Heretics_of_Dune",
		Status:   models.PageStatusIndexed,
		Content:  "Heretics of Dune was published in 1984 by Putnam. It is the fifth novel.",
	})
	f.seedQuestion("qm_root", "qc_1", 1, "When was Heretics of Dune published?")

	stub := models.NewAssistantMessage("qm_stub", "qc_1", 2, expansionStubMessage)
	stub.SetSuggestedPage(&models.SuggestedPage{URL: "https://example.org/wiki/Heretics_of_Dune", Title: "Heretics of Dune", SourceID: "src_1"})
	_ = f.messages.Create(context.Background(), stub)

	// Prior run artifacts: the slot graph and the step whose subqueries
	// seed the re-run.
	prior := models.NewSlot("qsl_prev", "qm_root", "publication_date", models.SlotTypeScalar, true)
	prior.Description = "Publication date of Heretics of Dune"
	prior.AttemptCount = 1
	prior.LastQueries = []string{"heretics of dune publication date"}
	prior.MarkFinished()
	_ = f.slots.CreateSlot(context.Background(), prior)
	planStep := models.NewReasoningStep("qrs_p1", "qm_root", 1, models.ReasoningActionPlan, "Planning the slots")
	_ = f.reasoning.CreateStep(context.Background(), planStep)
	expandStep := models.NewReasoningStep("qrs_p2", "qm_root", 2, models.ReasoningActionExpandCorpus, "Corpus lacked the date")
	_ = f.reasoning.CreateStep(context.Background(), expandStep)
	_ = f.reasoning.CreateSubqueries(context.Background(), []*models.ReasoningSubquery{
		models.NewReasoningSubquery("qsq_p1", "qrs_p2", "qsl_prev", "publication_date", "heretics of dune publication date", models.SubqueryStrategyTargeted),
	})

	f.chunks.queueMatch(&models.Chunk{
		ID:           "qch_new",
		PageID:       "page_2",
		Content:      "Heretics of Dune was published in 1984 by Putnam.",
		PageTitle:    "Heretics of Dune",
		PagePath:     "/wiki/Heretics_of_Dune",
		SourceDomain: "example.org",
		Distance:     0.1,
	})

	output, err := f.uc.Execute(context.Background(), &ports.AskQuestionInput{
		ConversationID:     "qc_1",
		UserID:             "user-1",
		AppendToMessageID:  "qm_stub",
		ScrapedPageDisplay: "example.org/wiki/Heretics_of_Dune",
		Notifier:           f.notifier,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if output.Message.Content != "Heretics of Dune was published in 1984. [1]" {
		t.Errorf("content = %q", output.Message.Content)
	}
	if output.Message.FollowsMessageID != "qm_stub" {
		t.Errorf("follows = %q", output.Message.FollowsMessageID)
	}
	if output.Message.ScrapedPageDisplay != "example.org/wiki/Heretics_of_Dune" {
		t.Errorf("scraped display = %q", output.Message.ScrapedPageDisplay)
	}
	if output.Message.SequenceNumber != 3 {
		t.Errorf("sequence = %d, want 3", output.Message.SequenceNumber)
	}

	// The acted-on suggestion is cleared from the stub message.
	cleared, _ := f.messages.GetByID(context.Background(), "qm_stub")
	if cleared.SuggestedPage != nil {
		t.Errorf("stub still carries a suggestion")
	}

	// No planner call: the run rehydrates the previous slot graph.
	if llm.calls != 2 {
		t.Errorf("llm calls = %d, want 2", llm.calls)
	}
	tp := output.ThoughtProcess
	if tp.PlanReason != "Re-running the search over the expanded corpus" {
		t.Errorf("plan reason = %q", tp.PlanReason)
	}
	if len(tp.Slots) != 1 || tp.Slots[0].Name != "publication_date" {
		t.Errorf("rehydrated slots = %+v", tp.Slots)
	}
	if tp.Steps[0].Step != 1 || tp.Steps[0].Iter != 1 {
		t.Errorf("first step line = %+v (append runs have no plan line)", tp.Steps[0])
	}
	assertEvents(t, f.notifier.kinds(),
		"plan", "step:answer", "thought", "step:answer", "thought", "done")

	// Iteration numbering continues across runs of the same root.
	steps, _ := f.reasoning.GetStepsByRootMessage(context.Background(), "qm_root")
	if len(steps) != 3 {
		t.Fatalf("persisted steps = %d, want 3", len(steps))
	}
	if steps[2].IterationNumber != 3 || steps[2].Action != models.ReasoningActionAnswer {
		t.Errorf("new step = %+v", steps[2])
	}
	rows, _ := f.reasoning.GetSubqueriesByStep(context.Background(), steps[2].ID)
	if len(rows) != 1 || rows[0].QueryText != "heretics of dune publication date" {
		t.Errorf("re-run subqueries = %+v", rows)
	}

	// finished_querying is monotone within a run only; the re-run cleared
	// it and the fresh evidence kept it clear.
	slots, _ := f.slots.GetSlotsByRootMessage(context.Background(), "qm_root")
	if slots[0].FinishedQuerying {
		t.Errorf("slot still finished after re-run")
	}
	if slots[0].AttemptCount != 2 {
		t.Errorf("attempt count = %d, want 2", slots[0].AttemptCount)
	}

	if len(output.Quotes) != 1 || output.Quotes[0].PageURL != "https://example.org/wiki/Heretics_of_Dune" {
		t.Errorf("quotes = %+v", output.Quotes)
	}
	payload := f.runLogs.entries[0].payload
	if payload["append_run"] != true || payload["expansions"] != 1 {
		t.Errorf("run log payload = %v", payload)
	}
	if payload["question"] != "When was Heretics of Dune published?" {
		t.Errorf("run log question = %v", payload["question"])
	}
}

func TestAskClarifyFromPlanner(t *testing.T) {
	llm := newMockLLM(
		`{"action":"clarify","why":"The question is ambiguous","questions":["Which edition do you mean?","Hardcover or paperback?"]}`,
	)
	f := newEngineFixture(testEngineParams(), llm)
	f.seedConversation("qc_1", "user-1", false)
	f.seedCorpus("qc_1")
	f.seedQuestion("qm_root", "qc_1", 1, "How much does it cost?")

	output, err := f.uc.Execute(context.Background(), &ports.AskQuestionInput{
		ConversationID: "qc_1",
		UserID:         "user-1",
		UserMessage:    "How much does it cost?",
		RootMessageID:  "qm_root",
		Notifier:       f.notifier,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := clarifyIntro + "\n- Which edition do you mean?\n- Hardcover or paperback?"
	if output.Message.Content != want {
		t.Errorf("content = %q, want %q", output.Message.Content, want)
	}
	if len(output.Clarify) != 2 {
		t.Errorf("clarify questions = %v", output.Clarify)
	}
	if len(output.ThoughtProcess.ClarifyQuestions) != 2 {
		t.Errorf("tp clarify questions = %v", output.ThoughtProcess.ClarifyQuestions)
	}
	assertEvents(t, f.notifier.kinds(),
		"plan", "step:clarify", "thought", "clarify", "done")

	steps, _ := f.reasoning.GetStepsByRootMessage(context.Background(), "qm_root")
	if len(steps) != 1 || steps[0].Action != models.ReasoningActionClarify {
		t.Errorf("persisted steps = %+v", steps)
	}
	if llm.calls != 1 {
		t.Errorf("llm calls = %d, want 1", llm.calls)
	}
	payload := f.runLogs.entries[0].payload
	if payload["action"] != "clarify" || payload["iterations"] != 0 {
		t.Errorf("run log payload = %v", payload)
	}
}

func TestAskPlannerFallback(t *testing.T) {
	llm := newMockLLM(
		`The weather is nice today.`,
		`{"claims":[{"slot":"answer","value":"Chilton Books","confidence":0.8,"chunk_ids":["qch_1"]}],"decision":{"action":"answer","why":"Publisher found"}}`,
		`{"final_answer":"Chilton Books published Dune. [[quote:qch_1]]","cited_snippets":{"qch_1":"published in 1965 by Chilton Books"}}`,
	)
	f := newEngineFixture(testEngineParams(), llm)
	f.seedConversation("qc_1", "user-1", false)
	f.seedCorpus("qc_1")
	f.seedQuestion("qm_root", "qc_1", 1, "Who published Dune?")
	f.chunks.queueMatch(testChunk("qch_1", "Dune was first published in 1965 by Chilton Books."))

	output, err := f.uc.Execute(context.Background(), &ports.AskQuestionInput{
		ConversationID: "qc_1",
		UserID:         "user-1",
		UserMessage:    "Who published Dune?",
		RootMessageID:  "qm_root",
		Notifier:       f.notifier,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Unusable planner output degrades to a single scalar slot searched
	// with the question itself.
	tp := output.ThoughtProcess
	if len(tp.Slots) != 1 || tp.Slots[0].Name != "answer" {
		t.Errorf("fallback slots = %+v", tp.Slots)
	}
	found := false
	for _, gap := range tp.ExtractionGaps {
		if strings.Contains(gap, "planning: model output unusable") {
			found = true
		}
	}
	if !found {
		t.Errorf("planning gap missing from %v", tp.ExtractionGaps)
	}

	steps, _ := f.reasoning.GetStepsByRootMessage(context.Background(), "qm_root")
	rows, _ := f.reasoning.GetSubqueriesByStep(context.Background(), steps[1].ID)
	if len(rows) != 1 || rows[0].QueryText != "Who published Dune?" {
		t.Errorf("fallback subquery = %+v", rows)
	}
	if output.Message.Content != "Chilton Books published Dune. [1]" {
		t.Errorf("content = %q", output.Message.Content)
	}
}

func TestAskBudgetHardStop(t *testing.T) {
	params := testEngineParams()
	params.MaxTotalSubqueries = 1
	llm := newMockLLM(
		`{"action":"retrieve","why":"Single fact lookup","slots":[{"name":"publication_date","description":"Year Dune was published","type":"scalar","required":true}],"subqueries":[{"slot":"publication_date","query":"dune publication year"}]}`,
		`{"claims":[{"slot":"publication_date","value":"1965","confidence":0.9,"chunk_ids":["qch_1"]}],"decision":{"action":"retrieve","why":"Double-checking the date"},"next_subqueries":[{"slot":"publication_date","query":"dune first edition year"}]}`,
		`{"final_answer":"Dune was published in 1965. [[quote:qch_1]]","cited_snippets":{"qch_1":"Dune was first published in 1965."}}`,
	)
	f := newEngineFixture(params, llm)
	f.seedConversation("qc_1", "user-1", false)
	f.seedCorpus("qc_1")
	f.seedQuestion("qm_root", "qc_1", 1, "When was Dune published?")
	f.chunks.queueMatch(testChunk("qch_1", "Dune was first published in 1965 by Chilton Books."))

	output, err := f.uc.Execute(context.Background(), &ports.AskQuestionInput{
		ConversationID: "qc_1",
		UserID:         "user-1",
		UserMessage:    "When was Dune published?",
		RootMessageID:  "qm_root",
		Notifier:       f.notifier,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	tp := output.ThoughtProcess
	if tp.HardStopReason != hardStopBudget {
		t.Errorf("hard stop = %q, want %q", tp.HardStopReason, hardStopBudget)
	}
	if tp.PartialAnswerNote != "The search stopped early: "+hardStopBudget {
		t.Errorf("partial note = %q", tp.PartialAnswerNote)
	}
	// Partial evidence still produces a cited answer.
	if output.Message.Content != "Dune was published in 1965. [1]" {
		t.Errorf("content = %q", output.Message.Content)
	}
	if output.SuggestedPage != nil {
		t.Errorf("static sources must not attach a suggestion")
	}
}

func TestAskIterationLimitHardStop(t *testing.T) {
	params := testEngineParams()
	params.MaxIterations = 1
	llm := newMockLLM(
		`{"action":"retrieve","why":"Single fact lookup","slots":[{"name":"publication_date","description":"Year Dune was published","type":"scalar","required":true}],"subqueries":[{"slot":"publication_date","query":"dune publication year"}]}`,
		`{"claims":[{"slot":"publication_date","value":"1965","confidence":0.9,"chunk_ids":["qch_1"]}],"decision":{"action":"retrieve","why":"Looking for confirmation"},"next_subqueries":[{"slot":"publication_date","query":"dune first edition year"}]}`,
		`{"final_answer":"Dune was published in 1965. [[quote:qch_1]]","cited_snippets":{"qch_1":"Dune was first published in 1965."}}`,
	)
	f := newEngineFixture(params, llm)
	f.seedConversation("qc_1", "user-1", false)
	f.seedCorpus("qc_1")
	f.seedQuestion("qm_root", "qc_1", 1, "When was Dune published?")
	f.chunks.queueMatch(testChunk("qch_1", "Dune was first published in 1965 by Chilton Books."))

	output, err := f.uc.Execute(context.Background(), &ports.AskQuestionInput{
		ConversationID: "qc_1",
		UserID:         "user-1",
		UserMessage:    "When was Dune published?",
		RootMessageID:  "qm_root",
		Notifier:       f.notifier,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if output.ThoughtProcess.HardStopReason != hardStopIterations {
		t.Errorf("hard stop = %q, want %q", output.ThoughtProcess.HardStopReason, hardStopIterations)
	}
	for _, step := range output.ThoughtProcess.Steps {
		if step.TotalSteps != 3 {
			t.Errorf("total steps = %d, want 3", step.TotalSteps)
		}
	}
}

func TestAskNoIndexedPages(t *testing.T) {
	llm := newMockLLM()
	f := newEngineFixture(testEngineParams(), llm)
	f.seedConversation("qc_1", "user-1", false)
	f.sources.add(&models.Source{ID: "src_1", ConversationID: "qc_1", Domain: "example.org", RootURL: "https://example.org/"})
	f.pages.add(&models.Page{ID: "page_1", SourceID: "src_1", Title: "Dune", Status: models.PageStatusPending})

	output, err := f.uc.Execute(context.Background(), &ports.AskQuestionInput{
		ConversationID: "qc_1",
		UserID:         "user-1",
		UserMessage:    "When was Dune published?",
		Notifier:       f.notifier,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if output.Message.Content != noPagesMessage {
		t.Errorf("content = %q", output.Message.Content)
	}
	if output.Message.ThoughtProcess != nil {
		t.Errorf("no-pages reply must not carry a thought process")
	}
	assertEvents(t, f.notifier.kinds(), "done")
	if llm.calls != 0 {
		t.Errorf("llm calls = %d, want 0", llm.calls)
	}
	if len(f.runLogs.entries) != 0 {
		t.Errorf("run logs = %d, want 0", len(f.runLogs.entries))
	}
}

func TestAskInputValidation(t *testing.T) {
	cases := []struct {
		name  string
		input *ports.AskQuestionInput
		want  error
	}{
		{
			name:  "missing conversation",
			input: &ports.AskQuestionInput{UserID: "user-1", UserMessage: "hi"},
			want:  domain.ErrBadRequest,
		},
		{
			name:  "missing user",
			input: &ports.AskQuestionInput{ConversationID: "qc_1", UserMessage: "hi"},
			want:  domain.ErrUnauthorized,
		},
		{
			name:  "missing message",
			input: &ports.AskQuestionInput{ConversationID: "qc_1", UserID: "user-1"},
			want:  domain.ErrBadRequest,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newEngineFixture(testEngineParams(), newMockLLM())
			f.seedConversation("qc_1", "user-1", false)
			tc.input.Notifier = f.notifier

			_, err := f.uc.Execute(context.Background(), tc.input)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if len(f.notifier.errors) != 1 {
				t.Errorf("error events = %d, want 1", len(f.notifier.errors))
			}
		})
	}
}

func TestAskConversationOwnership(t *testing.T) {
	f := newEngineFixture(testEngineParams(), newMockLLM())
	f.seedConversation("qc_1", "user-1", false)

	_, err := f.uc.Execute(context.Background(), &ports.AskQuestionInput{
		ConversationID: "qc_1",
		UserID:         "someone-else",
		UserMessage:    "hi",
		Notifier:       f.notifier,
	})
	if !errors.Is(err, domain.ErrConversationNotFound) {
		t.Fatalf("err = %v, want conversation not found", err)
	}
	if len(f.messages.order) != 0 {
		t.Errorf("no message should be persisted")
	}
}

func TestAskRootUnresolvable(t *testing.T) {
	newSeeded := func() *engineFixture {
		f := newEngineFixture(testEngineParams(), newMockLLM())
		f.seedConversation("qc_1", "user-1", false)
		f.seedCorpus("qc_1")
		f.seedQuestion("qm_root", "qc_1", 1, "When was Dune published?")
		_ = f.messages.Create(context.Background(), models.NewAssistantMessage("qm_asst", "qc_1", 2, "An earlier answer."))
		return f
	}

	t.Run("no root named", func(t *testing.T) {
		f := newSeeded()
		_, err := f.uc.Execute(context.Background(), &ports.AskQuestionInput{
			ConversationID: "qc_1", UserID: "user-1", UserMessage: "hi", Notifier: f.notifier,
		})
		if !errors.Is(err, domain.ErrCorruptedState) {
			t.Fatalf("err = %v, want corrupted state", err)
		}
	})

	t.Run("root is an assistant message", func(t *testing.T) {
		f := newSeeded()
		_, err := f.uc.Execute(context.Background(), &ports.AskQuestionInput{
			ConversationID: "qc_1", UserID: "user-1", UserMessage: "hi", RootMessageID: "qm_asst", Notifier: f.notifier,
		})
		if !errors.Is(err, domain.ErrCorruptedState) {
			t.Fatalf("err = %v, want corrupted state", err)
		}
	})

	t.Run("append target is a user message", func(t *testing.T) {
		f := newSeeded()
		_, err := f.uc.Execute(context.Background(), &ports.AskQuestionInput{
			ConversationID: "qc_1", UserID: "user-1", AppendToMessageID: "qm_root", Notifier: f.notifier,
		})
		if !errors.Is(err, domain.ErrCorruptedState) {
			t.Fatalf("err = %v, want corrupted state", err)
		}
	})
}
