/*
Package validation checks task outputs against declarative rules and can
repair common failures in place.

A rule is "<kind>: <rest>" where kind selects the validator:

	schema: {"type": "object", "required": ["status"]}
	type: string
	range: min:0,max:100
	format: email
	semantic: the answer must mention the deadline

Anything without a recognized prefix is treated as a custom boolean
expression over the task's output, evaluated by a small sandboxed
interpreter (comparisons, and/or/not, membership, len, field and index
access). There is no host-language evaluation.

Auto-fix, when enabled, repairs failures the validator marked fixable:
missing required keys are added as nulls, convertible values are coerced to
the expected type, and out-of-range numbers are clamped.
*/
package validation
