package patterns

// CreateDoublefetchRequest implements spec.md §4.8's
// createDoublefetchRequest(msgType, url). It returns nil for an unknown
// msgType, for a ruleset that failed to load, or — per spec.md §8's
// "Pattern DSL forward compat" invariant — for any msgType when the
// ruleset was rejected as too new for this engine.
func CreateDoublefetchRequest(snapshot RulesetSnapshot, msgType string, url string) *DoublefetchRequest {
	if snapshot.Status != StatusOK {
		return nil
	}
	rule, ok := snapshot.Ruleset[msgType]
	if !ok || rule.Doublefetch == nil {
		return nil
	}
	return &DoublefetchRequest{
		URL:       url,
		Headers:   rule.Doublefetch.Headers,
		Steps:     rule.Doublefetch.Steps,
		EmptyHTML: rule.Doublefetch.EmptyHTML,
		OnError:   translateOnError(rule.Doublefetch.OnError),
		Redirect:  translateRedirect(rule.Doublefetch.FollowRedirects),
	}
}

// translateRedirect implements the `followRedirects:true -> redirect:
// 'follow'` rewrite (spec.md §4.8). A false or absent followRedirects
// yields no redirect directive at all.
func translateRedirect(followRedirects *bool) string {
	if followRedirects != nil && *followRedirects {
		return "follow"
	}
	return ""
}

func translateOnError(cfg *DoublefetchConfig) *DoublefetchRequest {
	if cfg == nil {
		return nil
	}
	return &DoublefetchRequest{
		Headers:   cfg.Headers,
		Steps:     cfg.Steps,
		EmptyHTML: cfg.EmptyHTML,
		OnError:   translateOnError(cfg.OnError),
		Redirect:  translateRedirect(cfg.FollowRedirects),
	}
}
