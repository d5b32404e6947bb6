// Package generative wraps the model backend behind role-tuned
// executions. Each pipeline phase maps to a role with its own system
// prompt and temperature; every response must carry a JSON envelope
// with a confidence score and a result object, and anything else is a
// hard failure. There is no lenient fallback: prose, missing fields, or
// an out-of-range confidence all reject the response.
package generative
