package models

// StoredInspection is an inspection row as persisted: the image lives on disk
// and ImageAnonymizedDataURL is left empty.
type StoredInspection struct {
	Inspection
	ImagePath string `json:"imagePath"`
	ImageSize int64  `json:"imageSize"`
}

// InspectionFilter narrows inspection queries. Zero fields do not filter.
type InspectionFilter struct {
	MunicipalityID string
	Limit          int
	Offset         int
}
