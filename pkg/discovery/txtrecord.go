package discovery

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeManagerTXT creates the TXT records of a manager advertisement.
func EncodeManagerTXT(info *ManagerInfo) TXTRecordMap {
	txt := TXTRecordMap{
		TXTKeyManagerID: info.ManagerID,
		TXTKeyVersion:   strconv.FormatUint(uint64(info.Version), 10),
	}
	if len(info.DataCenters) > 0 {
		txt[TXTKeyDataCenters] = strings.Join(info.DataCenters, ",")
	}
	if info.AuthRequired {
		txt[TXTKeyAuth] = "1"
	}
	return txt
}

// DecodeManagerTXT parses manager TXT records into a ManagerInfo. Port and
// instance name come from the service entry, not the TXT records.
func DecodeManagerTXT(txt TXTRecordMap) (*ManagerInfo, error) {
	info := &ManagerInfo{}

	var ok bool
	info.ManagerID, ok = txt[TXTKeyManagerID]
	if !ok || info.ManagerID == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyManagerID)
	}

	vStr, ok := txt[TXTKeyVersion]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyVersion)
	}
	v, err := strconv.ParseUint(vStr, 10, 16)
	if err != nil || v == 0 {
		return nil, fmt.Errorf("%w: version %q", ErrInvalidTXTRecord, vStr)
	}
	info.Version = uint16(v)

	if dc := txt[TXTKeyDataCenters]; dc != "" {
		for _, id := range strings.Split(dc, ",") {
			if id = strings.TrimSpace(id); id != "" {
				info.DataCenters = append(info.DataCenters, id)
			}
		}
	}

	switch txt[TXTKeyAuth] {
	case "", "0":
	case "1":
		info.AuthRequired = true
	default:
		return nil, fmt.Errorf("%w: auth %q", ErrInvalidTXTRecord, txt[TXTKeyAuth])
	}

	return info, nil
}

// TXTRecordsToStrings converts a TXTRecordMap to "key=value" strings in key
// order.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

// StringsToTXTRecords parses "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, found := strings.Cut(s, "=")
		if k == "" {
			continue
		}
		if !found {
			// Key without value (boolean flag)
			v = ""
		}
		txt[k] = v
	}
	return txt
}

// ValidateTXT checks the encoded size of the records.
func ValidateTXT(txt TXTRecordMap) error {
	size := 0
	for k, v := range txt {
		// Each string is length-prefixed on the wire.
		size += 1 + len(k) + 1 + len(v)
	}
	if size > MaxTXTRecordSize {
		return fmt.Errorf("%w: %d bytes", ErrTXTTooLarge, size)
	}
	return nil
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInstanceNameTooLong)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}
