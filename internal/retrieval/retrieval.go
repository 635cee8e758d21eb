// Package retrieval implements the hybrid search pipeline: query expansion,
// parallel lexical and dense retrieval, reciprocal rank fusion, an LLM
// rerank pass, and a position-aware blend of the two scores into a single
// ranked result list.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/archivesearch/core/internal/modelruntime"
	"github.com/archivesearch/core/internal/relstore"
	"github.com/archivesearch/core/internal/search"
	"github.com/archivesearch/core/internal/vectorstore"
)

// ErrEmptyQuery is returned for a blank or whitespace-only query, rejected
// before it ever reaches the pipeline.
var ErrEmptyQuery = errors.New("retrieval: empty query")

const (
	lexicalTopK      = 50
	denseTopK        = 100
	rrfK             = 60
	rerankCandidates = 30
	rerankBatch      = 10
	snippetChars     = 200
	defaultRerank    = 0.5
)

// ScoreBreakdown exposes the three component scores that fed a result's
// final blended score, for diagnostics and UI display.
type ScoreBreakdown struct {
	Lex    float64
	Vec    float64
	Rerank float64
}

// Result is one ranked hit.
type Result struct {
	MessageID string
	Subject   string
	Snippet   string
	FromEmail string
	FromName  string
	SentAt    time.Time
	Score     float64
	Breakdown ScoreBreakdown
}

// SearchResult is the pipeline's full response.
type SearchResult struct {
	Results         []Result
	Total           int
	ExpandedQueries []string
	ElapsedMS       int64
}

// Pipeline wires the stores and model client the retrieval pipeline needs.
// vectors and models may be nil, in which case the dense branch, query
// expansion, and rerank steps degrade to their spec-mandated neutral
// defaults rather than failing the search.
type Pipeline struct {
	relstore *relstore.Store
	vectors  *vectorstore.Store
	models   *modelruntime.Client
	logger   *slog.Logger
}

// New constructs a Pipeline. logger defaults to slog.Default() if nil.
func New(rs *relstore.Store, vs *vectorstore.Store, mc *modelruntime.Client, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{relstore: rs, vectors: vs, models: mc, logger: logger}
}

// candidate tracks one message's progress through the pipeline: the
// branch ranks and normalized scores it earned in Step 2, the fused and
// bonused RRF score from Step 3, and the rerank score from Step 4.
type candidate struct {
	id            string
	messageID     string
	subject       string
	snippet       string
	fromContactID string
	sentAt        time.Time

	hasLex    bool
	hasDense  bool
	lexRank   int
	denseRank int
	lexNorm   float64
	denseNorm float64

	rrf    float64
	rerank float64
	final  float64
}

// Search runs the five-stage pipeline described in spec.md §4.5. filters
// narrows the lexical branch beyond the text of rawQuery itself (company
// domain, explicit source id set); operators embedded in rawQuery itself
// (from:, before:, has:attachment, ...) are parsed out and merged into
// filters, with an explicitly passed filter field taking precedence.
func (p *Pipeline) Search(ctx context.Context, tenantID, rawQuery string, filters relstore.LexicalFilters, limit, offset int) (*SearchResult, error) {
	start := time.Now()
	if strings.TrimSpace(rawQuery) == "" {
		return nil, ErrEmptyQuery
	}

	q := search.Parse(rawQuery)
	effFilters := mergeFilters(filters, q)

	queryText := strings.Join(q.TextTerms, " ")
	if strings.TrimSpace(queryText) == "" {
		queryText = rawQuery
	}

	variants := p.expandQuery(ctx, queryText)

	lexHits, err := p.retrieveLexical(tenantID, variants, effFilters)
	if err != nil {
		return nil, fmt.Errorf("retrieval: lexical retrieve: %w", err)
	}
	denseMatches := p.retrieveDense(ctx, tenantID, variants)

	fused := fuseCandidates(lexHits, denseMatches)
	total := len(fused)

	top := fused
	if len(top) > rerankCandidates {
		top = top[:rerankCandidates]
	}

	if err := p.hydrate(tenantID, top); err != nil {
		return nil, fmt.Errorf("retrieval: hydrate candidates: %w", err)
	}

	p.rerank(ctx, queryText, top)
	blend(top)

	sort.Slice(top, func(i, j int) bool { return top[i].final > top[j].final })

	results, err := p.buildResults(tenantID, top, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("retrieval: build results: %w", err)
	}

	return &SearchResult{
		Results:         results,
		Total:           total,
		ExpandedQueries: variants,
		ElapsedMS:       time.Since(start).Milliseconds(),
	}, nil
}

func mergeFilters(filters relstore.LexicalFilters, q *search.Query) relstore.LexicalFilters {
	if len(filters.FromAddrs) == 0 {
		filters.FromAddrs = q.FromAddrs
	}
	if filters.After == nil {
		filters.After = q.AfterDate
	}
	if filters.Before == nil {
		filters.Before = q.BeforeDate
	}
	if filters.HasAttachment == nil {
		filters.HasAttachment = q.HasAttachment
	}
	return filters
}

// expandQuery implements Step 1: one alternative phrasing from the
// instruction model, constrained to one line and 200 chars. Any failure,
// including a nil model client, falls back to [original].
func (p *Pipeline) expandQuery(ctx context.Context, queryText string) []string {
	variants := []string{queryText}
	if p.models == nil {
		return variants
	}

	prompt := fmt.Sprintf(
		"Give one alternative phrasing of this search query. Respond with only the alternative phrasing, a single line, under 200 characters, no explanation.\n\nQuery: %s",
		queryText)
	resp, err := p.models.Complete(ctx, prompt)
	if err != nil {
		p.logger.Warn("query expansion failed", "error", err)
		return variants
	}

	alt := strings.TrimSpace(strings.SplitN(resp, "\n", 2)[0])
	if len(alt) > snippetChars {
		alt = alt[:snippetChars]
	}
	if alt != "" && !strings.EqualFold(alt, queryText) {
		variants = append(variants, alt)
	}
	return variants
}

// retrieveLexical implements the lexical half of Step 2: an AND-joined
// term list per variant (tokens of length >2), OR-joined across variants,
// against the FTS MATCH expression.
func (p *Pipeline) retrieveLexical(tenantID string, variants []string, filters relstore.LexicalFilters) ([]relstore.LexicalHit, error) {
	matchQuery := buildMatchQuery(variants)
	if matchQuery == "" {
		return nil, nil
	}
	return p.relstore.SearchLexical(tenantID, matchQuery, filters, lexicalTopK)
}

func buildMatchQuery(variants []string) string {
	var orParts []string
	for _, v := range variants {
		tokens := tokenizeFTS(v)
		if len(tokens) == 0 {
			continue
		}
		quoted := make([]string, len(tokens))
		for i, t := range tokens {
			quoted[i] = fmt.Sprintf("%q", t)
		}
		orParts = append(orParts, "("+strings.Join(quoted, " AND ")+")")
	}
	return strings.Join(orParts, " OR ")
}

var ftsTrim = `"'.,!?;:()[]{}`

func tokenizeFTS(s string) []string {
	var out []string
	for _, f := range strings.Fields(s) {
		f = strings.Trim(f, ftsTrim)
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}

// retrieveDense implements the dense half of Step 2: embed each variant,
// query top-100 nearest neighbors per embedding, dedup by id keeping the
// max raw score, and post-filter by tenant from both vector metadata and
// a secondary relational verification query. Any model or store error
// degrades to an empty dense branch rather than failing the search.
func (p *Pipeline) retrieveDense(ctx context.Context, tenantID string, variants []string) []vectorstore.Match {
	if p.vectors == nil || p.models == nil {
		return nil
	}

	embeddings, err := p.models.Embed(ctx, variants)
	if err != nil {
		p.logger.Warn("query embedding failed", "error", err)
		return nil
	}

	best := make(map[string]vectorstore.Match)
	for _, vec := range embeddings {
		matches, err := p.vectors.Query(vec, denseTopK)
		if err != nil {
			p.logger.Warn("dense query failed", "error", err)
			continue
		}
		for _, m := range matches {
			if tenant, _ := m.Metadata["tenant_id"].(string); tenant != tenantID {
				continue
			}
			if existing, ok := best[m.ID]; !ok || m.Score > existing.Score {
				best[m.ID] = m
			}
		}
	}
	if len(best) == 0 {
		return nil
	}

	ids := make([]string, 0, len(best))
	for id := range best {
		ids = append(ids, id)
	}
	verified, err := p.relstore.VerifyMessageTenancy(tenantID, ids)
	if err != nil {
		p.logger.Warn("dense tenancy verification failed", "error", err)
		return nil
	}

	out := make([]vectorstore.Match, 0, len(best))
	for id, m := range best {
		if verified[id] {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// fuseCandidates implements Step 3: per-branch min-max normalization,
// reciprocal rank fusion with k=60, lexical-before-dense tie-breaking,
// and the +0.05/+0.02 positional bonuses.
func fuseCandidates(lexHits []relstore.LexicalHit, denseMatches []vectorstore.Match) []*candidate {
	byID := make(map[string]*candidate)

	lexScores := make([]float64, len(lexHits))
	for i, h := range lexHits {
		lexScores[i] = h.Score
	}
	lexNorm := minMaxNormalize(lexScores)

	for i, h := range lexHits {
		c := &candidate{
			id: h.ID, messageID: h.MessageID, subject: h.Subject, snippet: h.Snippet,
			fromContactID: h.FromContactID, sentAt: h.SentAt,
			hasLex: true, lexRank: i, lexNorm: lexNorm[i],
		}
		c.rrf += 1.0 / float64(rrfK+i+1)
		byID[h.ID] = c
	}

	denseScores := make([]float64, len(denseMatches))
	for i, m := range denseMatches {
		denseScores[i] = m.Score
	}
	denseNorm := minMaxNormalize(denseScores)

	for i, m := range denseMatches {
		c, ok := byID[m.ID]
		if !ok {
			c = &candidate{id: m.ID}
			byID[m.ID] = c
		}
		c.hasDense = true
		c.denseRank = i
		c.denseNorm = denseNorm[i]
		c.rrf += 1.0 / float64(rrfK+i+1)
	}

	out := make([]*candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.rrf != b.rrf {
			return a.rrf > b.rrf
		}
		if a.hasLex != b.hasLex {
			return a.hasLex
		}
		if a.hasLex && b.hasLex {
			return a.lexRank < b.lexRank
		}
		return a.denseRank < b.denseRank
	})

	for i, c := range out {
		switch i {
		case 0:
			c.rrf += 0.05
		case 1, 2:
			c.rrf += 0.02
		}
	}
	return out
}

func minMaxNormalize(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	min, max := scores[0], scores[0]
	for _, s := range scores {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	norm := make([]float64, len(scores))
	if max == min {
		for i := range norm {
			norm[i] = 1
		}
		return norm
	}
	for i, s := range scores {
		norm[i] = (s - min) / (max - min)
	}
	return norm
}

// hydrate fills in subject/snippet/from/sent_at for candidates that only
// came from the dense branch, which carries none of that itself.
func (p *Pipeline) hydrate(tenantID string, candidates []*candidate) error {
	var need []string
	for _, c := range candidates {
		if !c.hasLex {
			need = append(need, c.id)
		}
	}
	if len(need) == 0 {
		return nil
	}

	summaries, err := p.relstore.GetMessagesByIDs(tenantID, need)
	if err != nil {
		return err
	}
	for _, c := range candidates {
		if c.hasLex {
			continue
		}
		s, ok := summaries[c.id]
		if !ok {
			continue
		}
		c.messageID = s.MessageID
		c.subject = s.Subject
		c.snippet = truncateSnippet(s.BodyText)
		c.fromContactID = s.FromContactID
		c.sentAt = s.SentAt
	}
	return nil
}

func truncateSnippet(body string) string {
	body = strings.TrimSpace(body)
	if len(body) <= snippetChars {
		return body
	}
	return body[:snippetChars] + "..."
}

var firstInt = regexp.MustCompile(`\d+`)

// rerank implements Step 4: batches of up to rerankBatch concurrent model
// calls, one per candidate, each asking for a 0-10 relevance rating.
func (p *Pipeline) rerank(ctx context.Context, queryText string, candidates []*candidate) {
	if p.models == nil {
		for _, c := range candidates {
			c.rerank = defaultRerank
		}
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, rerankBatch)
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return nil
			}
			c.rerank = p.rerankOne(gctx, queryText, c.subject, c.snippet)
			return nil
		})
	}
	g.Wait()
}

func (p *Pipeline) rerankOne(ctx context.Context, queryText, subject, snippet string) float64 {
	if len(snippet) > snippetChars {
		snippet = snippet[:snippetChars]
	}
	prompt := fmt.Sprintf(
		"Rate how relevant this email is to the search query on a scale of 0-10.\n\nQuery: %s\nSubject: %s\nSnippet: %s",
		queryText, subject, snippet)

	resp, err := p.models.Complete(ctx, prompt)
	if err != nil {
		p.logger.Warn("rerank call failed", "error", err)
		return defaultRerank
	}

	match := firstInt.FindString(resp)
	if match == "" {
		return defaultRerank
	}
	n, err := strconv.Atoi(match)
	if err != nil {
		return defaultRerank
	}
	if n < 0 {
		n = 0
	}
	if n > 10 {
		n = 10
	}
	return float64(n) / 10
}

// blend implements Step 5's position-aware weighting. candidates must
// already be in RRF order (post-bonus); i is each candidate's position
// in that order, not its eventual position after this re-weighting.
func blend(candidates []*candidate) {
	for i, c := range candidates {
		var wRRF, wRerank float64
		switch {
		case i < 3:
			wRRF, wRerank = 0.75, 0.25
		case i < 10:
			wRRF, wRerank = 0.60, 0.40
		default:
			wRRF, wRerank = 0.40, 0.60
		}
		c.final = wRRF*c.rrf + wRerank*c.rerank
	}
}

func (p *Pipeline) buildResults(tenantID string, candidates []*candidate, offset, limit int) ([]Result, error) {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(candidates) {
		return nil, nil
	}
	end := len(candidates)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	window := candidates[offset:end]

	contactIDs := make([]string, 0, len(window))
	for _, c := range window {
		if c.fromContactID != "" {
			contactIDs = append(contactIDs, c.fromContactID)
		}
	}
	var contacts map[string]relstore.Contact
	if len(contactIDs) > 0 {
		var err error
		contacts, err = p.relstore.ContactsByID(tenantID, contactIDs)
		if err != nil {
			return nil, err
		}
	}

	results := make([]Result, 0, len(window))
	for _, c := range window {
		r := Result{
			MessageID: c.messageID,
			Subject:   c.subject,
			Snippet:   c.snippet,
			SentAt:    c.sentAt,
			Score:     c.final,
			Breakdown: ScoreBreakdown{Lex: c.lexNorm, Vec: c.denseNorm, Rerank: c.rerank},
		}
		if contact, ok := contacts[c.fromContactID]; ok {
			r.FromEmail = contact.Email
			r.FromName = contact.Name
		}
		results = append(results, r)
	}
	return results, nil
}
