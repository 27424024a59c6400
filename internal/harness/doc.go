// Package harness runs derive scenarios: YAML files that declare document
// types, seed documents, drive subscriptions and edits, and state the
// expected final values.
//
// # Scenario Format
//
//	name: essay_word_count
//	description: "Subscribing computes the word count"
//	types: |
//	  type: Essay: {
//	    base: ["text"]
//	    computed: ["wordCount"]
//	  }
//	computations:
//	  Essay: word_count
//	documents:
//	  - id: e1
//	    type: Essay
//	    fields: { text: "one two" }
//	steps:
//	  - subscribe: e1
//	    as: s1
//	  - set: e1
//	    fields: { text: "a b c" }
//	  - unsubscribe: s1
//	expect:
//	  - doc: e1
//	    fields: { wordCount: 3 }
//	    state: computed
//
// Types come from inline CUE (types) or a directory of .cue files
// (types_dir, relative to the scenario file). Types without an entry in
// computations are computed manually through start/finish/abort steps.
//
// # Step Types
//
//   - subscribe: subscribe to a document; "as" names the subscription
//   - unsubscribe: end a named subscription
//   - set: commit fields to a document in one batch
//   - start, finish, abort: drive a manual computation
//
// # Deterministic Testing
//
// Every run uses a fresh in-memory store, a deterministic wall clock, and
// sequential subscriber tokens, so the trace of a scenario is byte-identical
// across runs and can be compared against a golden file.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/essay.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
