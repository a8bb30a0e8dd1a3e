package workflow

// Built-in templates covering the common automation shapes: parallel
// fan-out with a join, a linear pipeline, a cron-driven monitor with a
// fallback branch, and a webhook-fed extraction flow. They double as
// living documentation for the definition format.

func priceComparisonTemplate() *Workflow {
	return &Workflow{
		ID:          "price-comparison",
		Name:        "Price Comparison",
		Version:     1,
		Description: "Compare product prices across two sites and report the cheaper one",
		Trigger:     Trigger{Type: TriggerManual},
		Tasks: []TaskSpec{
			{
				Name:      "fetch-site-a",
				AgentType: "browser",
				Action:    "navigate",
				Parameters: map[string]interface{}{
					"url": "${input.siteAUrl}",
				},
			},
			{
				Name:      "fetch-site-b",
				AgentType: "browser",
				Action:    "navigate",
				Parameters: map[string]interface{}{
					"url": "${input.siteBUrl}",
				},
			},
			{
				Name:      "extract-price-a",
				AgentType: "browser",
				Action:    "extract",
				Parameters: map[string]interface{}{
					"page":     "${tasks.fetch-site-a.html}",
					"selector": "${input.priceSelector ?? .price}",
				},
			},
			{
				Name:      "extract-price-b",
				AgentType: "browser",
				Action:    "extract",
				Parameters: map[string]interface{}{
					"page":     "${tasks.fetch-site-b.html}",
					"selector": "${input.priceSelector ?? .price}",
				},
			},
			{
				Name:      "compare",
				AgentType: "transform",
				Action:    "analyze",
				Parameters: map[string]interface{}{
					"mode": "price-comparison",
					"data": map[string]interface{}{
						"siteA": "${tasks.extract-price-a.text}",
						"siteB": "${tasks.extract-price-b.text}",
					},
				},
			},
			{
				Name:      "report",
				AgentType: "notify",
				Action:    "send",
				DependsOn: []string{"compare"},
				Parameters: map[string]interface{}{
					"channel": "${env.NOTIFY_CHANNEL ?? console}",
					"message": "cheapest offer: ${tasks.compare.winner}",
				},
			},
		},
	}
}

func contentAggregationTemplate() *Workflow {
	return &Workflow{
		ID:          "content-aggregation",
		Name:        "Content Aggregation",
		Version:     1,
		Description: "Collect articles from a feed and store a digest",
		Trigger:     Trigger{Type: TriggerManual},
		Config:      Config{TaskTimeoutMs: 20000},
		Tasks: []TaskSpec{
			{
				Name:      "collect-links",
				AgentType: "http",
				Action:    "request",
				Parameters: map[string]interface{}{
					"url":    "${input.feedUrl}",
					"method": "GET",
				},
				Retry: &RetrySpec{MaxAttempts: 3, InitialDelayMs: 500, Multiplier: 2},
			},
			{
				Name:      "fetch-top-article",
				AgentType: "http",
				Action:    "request",
				Parameters: map[string]interface{}{
					"url":    "${tasks.collect-links.body.links[0]}",
					"method": "GET",
				},
				Retry: &RetrySpec{MaxAttempts: 2, InitialDelayMs: 500},
			},
			{
				Name:      "summarize",
				AgentType: "transform",
				Action:    "aggregate",
				Parameters: map[string]interface{}{
					"items":    "${tasks.fetch-top-article.body}",
					"maxItems": 10,
				},
			},
			{
				Name:      "store-digest",
				AgentType: "storage",
				Action:    "save",
				Parameters: map[string]interface{}{
					"key":   "digest/${workflow.id}/${workflow.startedAt}",
					"value": "${tasks.summarize.summary}",
				},
			},
		},
	}
}

func priceMonitorTemplate() *Workflow {
	return &Workflow{
		ID:          "price-monitor",
		Name:        "Price Monitoring",
		Version:     1,
		Description: "Poll a product page on a schedule and alert when the price crosses a threshold",
		Trigger: Trigger{
			Type:     TriggerCron,
			CronExpr: "*/30 * * * *",
			Timezone: "UTC",
		},
		Tasks: []TaskSpec{
			{
				Name:      "check-price",
				AgentType: "http",
				Action:    "request",
				Parameters: map[string]interface{}{
					"url":    "${input.productUrl}",
					"method": "GET",
				},
				TimeoutMs: timeoutMs(10000),
				Retry: &RetrySpec{
					MaxAttempts:    3,
					InitialDelayMs: 1000,
					MaxDelayMs:     10000,
					Multiplier:     2,
					RetryOn:        []string{"Timeout", "TransientAgentError"},
				},
			},
			{
				Name:      "evaluate",
				AgentType: "transform",
				Action:    "analyze",
				Parameters: map[string]interface{}{
					"mode":      "threshold",
					"value":     "${tasks.check-price.body.price}",
					"threshold": "${input.threshold}",
				},
			},
			{
				Name:      "alert",
				AgentType: "notify",
				Action:    "send",
				Condition: "${tasks.evaluate.breached ?? false}",
				Parameters: map[string]interface{}{
					"channel": "${env.NOTIFY_CHANNEL ?? console}",
					"message": "price ${tasks.check-price.body.price} crossed ${input.threshold}",
				},
				OnError: OnErrorSpec{Policy: OnErrorFallback, Fallback: []string{"log-alert-failure"}},
			},
			{
				Name:      "log-alert-failure",
				AgentType: "storage",
				Action:    "save",
				Parameters: map[string]interface{}{
					"key":   "alerts/failed/${workflow.id}",
					"value": "alert delivery failed for ${input.productUrl}",
				},
			},
		},
	}
}

func dataExtractionTemplate() *Workflow {
	return &Workflow{
		ID:          "data-extraction",
		Name:        "Data Extraction",
		Version:     1,
		Description: "Extract structured rows from a page and persist them",
		Trigger:     Trigger{Type: TriggerWebhook},
		Config:      Config{TimeoutMs: 120000},
		Tasks: []TaskSpec{
			{
				Name:      "load-page",
				AgentType: "browser",
				Action:    "navigate",
				Parameters: map[string]interface{}{
					"url": "${input.url}",
				},
				TimeoutMs: timeoutMs(15000),
			},
			{
				Name:      "extract-table",
				AgentType: "browser",
				Action:    "extract",
				Parameters: map[string]interface{}{
					"page":     "${tasks.load-page.html}",
					"selector": "${input.tableSelector ?? table}",
				},
			},
			{
				Name:      "normalize",
				AgentType: "transform",
				Action:    "analyze",
				Parameters: map[string]interface{}{
					"mode": "tabular",
					"rows": "${tasks.extract-table.rows}",
				},
			},
			{
				Name:      "persist",
				AgentType: "storage",
				Action:    "save",
				Parameters: map[string]interface{}{
					"key":   "extracts/${workflow.id}/${workflow.startedAt}",
					"value": "${tasks.normalize.records}",
				},
				OnError: OnErrorSpec{Policy: OnErrorContinue},
			},
		},
	}
}

// Templates returns fresh copies of every built-in template, so callers
// can mutate them (assign versions, timestamps) without racing.
func Templates() []*Workflow {
	return []*Workflow{
		priceComparisonTemplate(),
		contentAggregationTemplate(),
		priceMonitorTemplate(),
		dataExtractionTemplate(),
	}
}

// Template returns one built-in by id.
func Template(id string) (*Workflow, bool) {
	for _, w := range Templates() {
		if w.ID == id {
			return w, true
		}
	}
	return nil, false
}
