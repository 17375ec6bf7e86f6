package tts

// Preset describes a built-in voice.
type Preset struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Gender string `json:"gender"`
	Accent string `json:"accent"`
}

// Model describes a synthesis model the service can drive.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Cloning     bool   `json:"supports_cloning"`
}

var presets = []Preset{
	{ID: "af_heart", Name: "Heart (Female, Warm)", Gender: "female", Accent: "american"},
	{ID: "af_bella", Name: "Bella (Female, Clear)", Gender: "female", Accent: "american"},
	{ID: "af_sarah", Name: "Sarah (Female, Professional)", Gender: "female", Accent: "american"},
	{ID: "am_adam", Name: "Adam (Male, Deep)", Gender: "male", Accent: "american"},
	{ID: "am_michael", Name: "Michael (Male, Neutral)", Gender: "male", Accent: "american"},
	{ID: "bf_emma", Name: "Emma (British Female)", Gender: "female", Accent: "british"},
	{ID: "bm_george", Name: "George (British Male)", Gender: "male", Accent: "british"},
}

// Presets returns the built-in voices in catalog order.
func Presets() []Preset {
	return append([]Preset(nil), presets...)
}

func LookupPreset(id string) (Preset, bool) {
	for _, p := range presets {
		if p.ID == id {
			return p, true
		}
	}
	return Preset{}, false
}
