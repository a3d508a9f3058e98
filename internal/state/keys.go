package state

import "fmt"

// Key namespace, using a prefixed-string-key convention:
//
//	Data Type   Prefix   Key Format                    Value
//	Job         "job:"   job:<upload_id>                UploadJob (JSON)
//	Part        "part:"  part:<upload_id>:<partNumber>  PartRow (JSON)
//
// Part numbers are zero-padded to 10 digits so badger's natural
// lexicographic key ordering matches numeric part_number ordering (total
// parts per job stays well under that width); GetPending and GetCompleted
// still sort their results by part_number after the prefix scan.
const (
	prefixJob  = "job:"
	prefixPart = "part:"
)

func keyJob(uploadID string) []byte {
	return []byte(prefixJob + uploadID)
}

func keyPart(uploadID string, partNumber int) []byte {
	return []byte(fmt.Sprintf("%s%s:%010d", prefixPart, uploadID, partNumber))
}

func partPrefix(uploadID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixPart, uploadID))
}

func jobScanPrefix() []byte {
	return []byte(prefixJob)
}
