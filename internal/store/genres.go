package store

// Canonical TV genres used to bucket channels for display.
const (
	GenreMovies        = "Movies"
	GenreSports        = "Sports"
	GenreEntertainment = "Entertainment"
	GenrePremier       = "Premier"
	GenreDrama         = "Drama"
	GenreNews          = "News"
	GenreMusic         = "Music"
	GenreTechScience   = "Tech/Science"
	GenreFamilyKids    = "Family/Kids"
	GenreLifeStyle     = "Lifestyle"
	GenreEducation     = "Education"
	GenreOthers        = "Others"
)

// genreBucket groups the channels of one canonical genre. Channels whose
// group title (or, as a fallback, name) contains the keyword land here, and
// display numbers are assigned sequentially from baseNumber. The reserved
// ranges leave enough headroom that buckets never collide.
type genreBucket struct {
	genre      string
	keyword    string
	baseNumber int
	channels   map[string]*channelState
}

// newGenreBuckets returns the fixed bucket list in display order. The
// "Others" keyword is deliberately never matched by the lowercased
// candidate strings, so it only catches the fallback default.
func newGenreBuckets() []*genreBucket {
	buckets := []*genreBucket{
		{genre: GenreMovies, keyword: "movie", baseNumber: 1},
		{genre: GenreSports, keyword: "sport", baseNumber: 101},
		{genre: GenreEntertainment, keyword: "entertainment", baseNumber: 201},
		{genre: GenrePremier, keyword: "punjab", baseNumber: 301},
		{genre: GenreDrama, keyword: "hindi", baseNumber: 401},
		{genre: GenreNews, keyword: "news", baseNumber: 501},
		{genre: GenreMusic, keyword: "music", baseNumber: 651},
		{genre: GenreTechScience, keyword: "knowledge", baseNumber: 701},
		{genre: GenreFamilyKids, keyword: "kid", baseNumber: 801},
		{genre: GenreLifeStyle, keyword: "lifestyle", baseNumber: 901},
		{genre: GenreEducation, keyword: "spiritual", baseNumber: 951},
		{genre: GenreOthers, keyword: "Others", baseNumber: 1001},
	}

	for _, b := range buckets {
		b.channels = make(map[string]*channelState)
	}

	return buckets
}
