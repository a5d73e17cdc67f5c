package reporting

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/whotracksme/wtm-reporting/internal/common"
	"github.com/whotracksme/wtm-reporting/internal/pagedb"
	"github.com/whotracksme/wtm-reporting/internal/scheduler"
)

// defaultMsgType is used for a plain page visit that the UrlAnalyzer does
// not recognise as a search landing (spec.md §2's control-flow narrative
// names "doublefetch-page" generically; search categories are a refinement
// layered on top via UrlAnalyzer, spec.md §4.9).
const defaultMsgType = "page-visit"

func toJobConfig(h common.HandlerConfig) scheduler.JobConfig {
	return scheduler.JobConfig{
		Priority: h.Priority, TTLInMs: h.TTLInMs, MaxJobsTotal: h.MaxJobsTotal,
		CooldownInMs: h.CooldownInMs, MaxAutoRetriesAfterError: h.MaxAutoRetriesAfterError,
	}
}

func (o *Orchestrator) registerHandlers() error {
	if err := o.scheduler.RegisterHandler(jobTypeDoublefetchPage, toJobConfig(o.cfg.Scheduler.DoublefetchPage), o.handleDoublefetchPage); err != nil {
		return err
	}
	if err := o.scheduler.RegisterHandler(jobTypePageQuorumCheck, toJobConfig(o.cfg.Scheduler.PageQuorumCheck), o.handlePageQuorumCheck); err != nil {
		return err
	}
	if err := o.scheduler.RegisterHandler(jobTypeSendMessage, toJobConfig(o.cfg.Scheduler.SendMessage), o.handleSendMessage); err != nil {
		return err
	}
	return nil
}

type quorumCheckArgs struct {
	MsgType string                 `json:"msgType"`
	Fields  map[string]interface{} `json:"fields"`
}

type sendMessageArgs struct {
	MsgType string                 `json:"msgType"`
	Fields  map[string]interface{} `json:"fields"`
}

// handleDoublefetchPage implements the "doublefetch-page" step of spec.md
// §2's control flow: doublefetch the page, run the ruleset's input
// extraction pipeline, and hand the extracted fields to quorum checking.
func (o *Orchestrator) handleDoublefetchPage(ctx context.Context, job scheduler.Job) ([]scheduler.Job, error) {
	var page pagedb.PageEntry
	if err := json.Unmarshal(job.Args, &page); err != nil {
		return nil, fmt.Errorf("reporting: doublefetch-page: bad args: %w", err)
	}

	msgType := defaultMsgType
	targetURL := page.URL
	if analyzed := o.analyzer.Analyze(page.URL); analyzed.IsSupported {
		msgType = analyzed.Category
		if analyzed.DoublefetchRequest != nil {
			targetURL = analyzed.DoublefetchRequest.URL
		}
	}

	snapshot := o.currentRuleset()
	rule, ok := snapshot.Ruleset[msgType]
	if !ok {
		return nil, nil
	}

	if o.deps.Doublefetcher == nil {
		return nil, nil
	}
	result, err := o.deps.Doublefetcher.Fetch(ctx, targetURL)
	if err != nil {
		return nil, &recoverableError{cause: err}
	}

	doc := map[string]interface{}{
		"url":    page.URL,
		"html":   result.Body,
		"status": fmt.Sprintf("%d", result.StatusCode),
		"title":  page.Title,
		"lang":   page.Lang,
	}
	fields, err := o.transforms.RunFields(rule.Input, doc)
	if err != nil {
		// TransformError aborts the whole rule: no message (spec.md §4.8).
		return nil, nil
	}

	args, err := json.Marshal(quorumCheckArgs{MsgType: msgType, Fields: fields})
	if err != nil {
		return nil, fmt.Errorf("reporting: doublefetch-page: marshal: %w", err)
	}
	return []scheduler.Job{{Type: jobTypePageQuorumCheck, Args: args}}, nil
}

// handlePageQuorumCheck implements the "page-quorum-check" step: ask
// QuorumChecker whether this fingerprint has cleared quorum before
// running the ruleset's output transform and handing off to send-message.
func (o *Orchestrator) handlePageQuorumCheck(ctx context.Context, job scheduler.Job) ([]scheduler.Job, error) {
	var args quorumCheckArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return nil, fmt.Errorf("reporting: page-quorum-check: bad args: %w", err)
	}

	ok, err := o.quorum.CheckQuorum(ctx, args.Fields, args.MsgType)
	if err != nil {
		return nil, &recoverableError{cause: err}
	}
	if !ok {
		return nil, nil
	}

	snapshot := o.currentRuleset()
	rule, found := snapshot.Ruleset[args.MsgType]
	if !found {
		return nil, nil
	}
	output, err := o.transforms.RunFields(rule.Output, args.Fields)
	if err != nil {
		return nil, nil
	}

	payload, err := json.Marshal(sendMessageArgs{MsgType: args.MsgType, Fields: output})
	if err != nil {
		return nil, fmt.Errorf("reporting: page-quorum-check: marshal: %w", err)
	}
	return []scheduler.Job{{Type: jobTypeSendMessage, Args: payload}}, nil
}

// handleSendMessage implements the "send-message" step. Transport failure
// is a permanent job error per spec.md §7: it is not wrapped in
// recoverableError, so the scheduler drops it rather than retrying.
func (o *Orchestrator) handleSendMessage(ctx context.Context, job scheduler.Job) ([]scheduler.Job, error) {
	var args sendMessageArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return nil, fmt.Errorf("reporting: send-message: bad args: %w", err)
	}
	if o.deps.Transport == nil {
		return nil, nil
	}
	message, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("reporting: send-message: marshal: %w", err)
	}
	if err := o.deps.Transport.Send(ctx, message); err != nil {
		return nil, fmt.Errorf("reporting: send-message: transport: %w", err)
	}
	return nil, nil
}

// recoverableError implements scheduler.RecoverableError for the
// transient, network-shaped failures doublefetch-page and
// page-quorum-check can hit (spec.md §7 "Recoverable job error").
type recoverableError struct {
	cause error
}

func (e *recoverableError) Error() string         { return e.cause.Error() }
func (e *recoverableError) Unwrap() error         { return e.cause }
func (e *recoverableError) IsRecoverableError() bool { return true }
