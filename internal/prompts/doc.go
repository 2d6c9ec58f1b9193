// Package prompts contains the prompt text sent to the model.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation, are embedded at compile time, and
// can be validated by tests. Each prompt gets an exported function that
// accepts the dynamic parts and returns the fully interpolated string.
package prompts
