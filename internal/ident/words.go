package ident

// Word lists for readable identifiers. Every adjective-noun-NN
// combination must satisfy ValidateID, so entries stay lowercase,
// hyphen-free, and short enough that the composed ID fits in 32 chars.
var adjectives = []string{
	"amber", "bold", "brave", "bright", "calm", "clever", "crisp",
	"eager", "fancy", "gentle", "happy", "jolly", "keen", "lively",
	"lucky", "mellow", "nimble", "proud", "quick", "quiet", "rapid",
	"shiny", "sunny", "swift", "tidy", "witty",
}

var nouns = []string{
	"badger", "bison", "comet", "coral", "falcon", "fern", "gecko",
	"heron", "lemur", "lotus", "maple", "marmot", "meadow", "otter",
	"panda", "pebble", "pine", "quartz", "raven", "river", "sparrow",
	"spruce", "tiger", "walrus", "willow", "wren",
}
