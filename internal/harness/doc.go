// Package harness runs scripted scenarios through the upsert operator.
//
// A scenario is a YAML file naming the key columns, the previous output to
// rehydrate from, and a sequence of input steps: command batches and
// progress notifications. The harness drives an engine.Cluster through the
// steps, collects the output window closed by every progress step, and
// consolidates the final output collection.
//
// Scenarios serve three purposes:
//   - expectations written in the scenario (output, collection, error)
//   - golden snapshots of the rendered output under testdata/golden
//   - backend equivalence: every scenario renders identically for memory
//     and disk state and for any number of workers
//
// Example scenario:
//
//	name: tie-break
//	description: the highest order wins among commands at one timestamp
//	key_indices: [0]
//	steps:
//	  - commands:
//	      - {time: 5, order: 1, row: [1, "a"]}
//	      - {time: 5, order: 2, row: [1, "b"]}
//	  - progress: 6
//	expect:
//	  output:
//	    - {row: [1, "b"], time: 5, diff: 1}
package harness
