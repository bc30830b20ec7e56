// InspectionsPage is a paginated response payload for stored inspections.
package dto

type InspectionsPage struct {
	Inspections []InspectionInfo `json:"inspections"`
	Length      int              `json:"length"`
	TotalPages  int              `json:"totalPages"`
	CurrentPage int              `json:"currentPage"`
	Limit       int              `json:"pageSize"`
}
