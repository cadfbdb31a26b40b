package analysis

// Identification is the result document the identification stage leaves
// behind in the analysis directory.
type Identification struct {
	Selected   bool     `json:"selected"`
	Identified bool     `json:"identified"`
	Target     *Target  `json:"target,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// Pre is the result document of the pre-processing stage. Platforms, if
// set, overwrite the platforms requested at submission.
type Pre struct {
	Score     int        `json:"score"`
	Tags      []string   `json:"tags,omitempty"`
	Families  []string   `json:"families,omitempty"`
	Platforms []Platform `json:"platforms,omitempty"`
	Target    *Target    `json:"target,omitempty"`
	Command   []string   `json:"command,omitempty"`
	Browser   string     `json:"browser,omitempty"`
}
