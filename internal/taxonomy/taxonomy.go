// Package taxonomy holds the closed catalog of learning-behavior codes.
//
// Every behavior row written to the local store carries a denormalized copy
// of its catalog entry, so history keeps the names that were current when the
// row was written.
package taxonomy

import "sort"

// Code is a short behavior identifier such as "CP" or "VE".
type Code string

// Codes with special meaning inside the pipeline.
const (
	// Failure is logged when the remote mirror cannot deliver an event.
	Failure Code = "FC"
	// Idle is synthesized when no instrumented action happened for a while.
	Idle Code = "IO"
)

// Entry is one catalog row.
type Entry struct {
	Code         Code   `json:"code"`
	ActivityName string `json:"activity_name"`
	Category     string `json:"category"`
	Description  string `json:"description"`
}

// Category names.
const (
	CategoryResources  = "Resources"
	CategoryEditing    = "Editing Code"
	CategoryPasting    = "Pasting Code"
	CategoryFiles      = "File Operations"
	CategoryRunning    = "Running Code"
	CategoryDebugging  = "Debugging"
	CategoryReading    = "Understanding Code"
	CategoryOutput     = "Checking Output"
	CategoryMessages   = "Reading Messages"
	CategoryErrors     = "Viewing Errors"
	CategoryAIAssisted = "AI-Assisted Programming"
	CategoryAIChat     = "AI Interaction"
	CategoryOther      = "Other Behaviors"
)

var catalog = map[Code]Entry{
	// Task and resources
	"UT":  {"UT", "Understanding Task", CategoryResources, "Student reads the programming task details in the task window"},
	"RAM": {"RAM", "Referring to Additional Materials", CategoryResources, "Student looks something up in reference material"},

	// Editing
	"CP": {"CP", "Coding in Python", CategoryEditing, "Student types or modifies code in the editor"},
	"SC": {"SC", "Select Code", CategoryEditing, "Student selects a span of code in the editor"},
	"CC": {"CC", "Copy Code", CategoryEditing, "Student copies code in the editor"},
	"PC": {"PC", "Paste Code", CategoryPasting, "Student pastes code into the editor"},

	// Files
	"NF": {"NF", "New File", CategoryFiles, "Student creates a new code file"},
	"OF": {"OF", "Open File", CategoryFiles, "Student opens an existing code file"},
	"SV": {"SV", "Save File", CategoryFiles, "Student saves the current file"},
	"SA": {"SA", "Save As File", CategoryFiles, "Student saves the code as a new file"},

	// Running and debugging
	"CR": {"CR", "Code Run", CategoryRunning, "Student runs the code"},
	"DP": {"DP", "Debugging in Python", CategoryDebugging, "Student steps, skips, steps out or sets breakpoints while debugging"},

	// Reading code and results
	"UPC": {"UPC", "Understanding Python Codes", CategoryReading, "Student moves the mouse across code to understand it"},
	"CRC": {"CRC", "Checking Result/Chart", CategoryOutput, "Student checks results in the console or chart area"},
	"RCM": {"RCM", "Reading Console Message", CategoryMessages, "Student reads or copies hints and warnings from the console"},
	"VE":  {"VE", "Viewing Error", CategoryErrors, "Student views an error message in the console"},
	"VO":  {"VO", "Viewing Output", CategoryOutput, "Student views regular console output"},
	"VC":  {"VC", "Viewing Code", CategoryReading, "Student lingers over the code area"},

	// AI assistant
	"ANQ": {"ANQ", "Asking New Questions", CategoryAIAssisted, "Student asks the AI assistant a new question"},
	"PCM": {"PCM", "Pasting Console Message", CategoryAIAssisted, "Student pastes console errors or output into the AI assistant"},
	"PPC": {"PPC", "Pasting Python Codes", CategoryAIAssisted, "Student pastes their own Python code into the AI assistant"},
	"CPC": {"CPC", "Copy and Paste Codes", CategoryAIAssisted, "Student copies code from the AI assistant into the editor"},
	"CAC": {"CAC", "Copy AI Code", CategoryAIAssisted, "Student copies code from the AI assistant"},
	"RF":  {"RF", "Reading Feedback", CategoryAIAssisted, "Student reads feedback in the AI assistant"},
	"AC":  {"AC", "AI Chat Area", CategoryAIChat, "Time the student spends in the AI chat area"},
	"SAI": {"SAI", "Select AI Text", CategoryAIChat, "Student selects text in the AI conversation"},

	// Other
	Failure: {Failure, "Failure in ChatGPT", CategoryOther, "The AI or remote platform failed to respond because of a platform or network fault"},
	Idle:    {Idle, "Idle Operation", CategoryOther, "Student shows no visible activity for a period of time"},
}

// Classify returns the catalog entry for code.
func Classify(code Code) (Entry, bool) {
	e, ok := catalog[code]
	return e, ok
}

// Known reports whether code is part of the catalog.
func Known(code Code) bool {
	_, ok := catalog[code]
	return ok
}

// Codes returns every catalog code in lexical order.
func Codes() []Code {
	codes := make([]Code, 0, len(catalog))
	for c := range catalog {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// Entries returns every catalog entry ordered by code.
func Entries() []Entry {
	codes := Codes()
	out := make([]Entry, len(codes))
	for i, c := range codes {
		out[i] = catalog[c]
	}
	return out
}
