package orchestrator

// jobTemplates seed the marketplace when organic demand runs dry.
// Budgets are cents.
var jobTemplates = []CreateJobRequest{
	{Title: "Summarize recent DeFi trends", RequiredSkill: "summarize", Budget: 5000},
	{Title: "Generate QA report on smart contracts", RequiredSkill: "qa-report", Budget: 7500},
	{Title: "Write market analysis memo", RequiredSkill: "market-memo", Budget: 6000},
	{Title: "Analyze token price movements", RequiredSkill: "summarize", Budget: 4500},
	{Title: "Audit agent communication logs", RequiredSkill: "qa-report", Budget: 8000},
	{Title: "Draft partnership proposal", RequiredSkill: "market-memo", Budget: 9000},
	{Title: "Summarize governance proposals", RequiredSkill: "summarize", Budget: 5500},
	{Title: "Generate security assessment", RequiredSkill: "qa-report", Budget: 10000},
	{Title: "Write weekly ecosystem update", RequiredSkill: "market-memo", Budget: 7000},
}
