// Package helper provides test doubles for the harness and its backends: spies for the logging,
// metrics and tracing ports, a scheduler spy whose actions only run when a test says so, and a
// scripted in-process backend fake.
package helper
