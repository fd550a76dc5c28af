// Package config provides configuration loading and validation for the
// assistant gateway. The YAML file is the source of truth; GEMINI_API_KEY and
// GEMINI_MODEL override the generative model section so credentials can stay
// out of the file.
package config
