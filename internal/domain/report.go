package domain

import (
	"encoding/xml"
	"strconv"
	"strings"
)

// Seconds is a report duration attribute. Surefire may group thousands
// with commas ("1,234.5").
type Seconds float64

// UnmarshalXMLAttr implements xml.UnmarshalerAttr
func (s *Seconds) UnmarshalXMLAttr(attr xml.Attr) error {
	v := strings.ReplaceAll(strings.TrimSpace(attr.Value), ",", "")
	if v == "" {
		*s = 0
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*s = Seconds(f)
	return nil
}

// Failure holds the detail of a failed or errored test case
type Failure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
}

// Skipped marks a skipped test case
type Skipped struct {
	Message string `xml:"message,attr"`
}

// TestCase maps a <testcase> element of a Surefire report
type TestCase struct {
	Name      string   `xml:"name,attr"`
	ClassName string   `xml:"classname,attr"`
	Time      Seconds  `xml:"time,attr"`
	Failure   *Failure `xml:"failure"`
	Error     *Failure `xml:"error"`
	Skipped   *Skipped `xml:"skipped"`
}

// IsFailed reports an assertion failure
func (c TestCase) IsFailed() bool { return c.Failure != nil }

// IsError reports an unexpected exception
func (c TestCase) IsError() bool { return c.Error != nil }

// IsSkipped reports a skipped case
func (c TestCase) IsSkipped() bool { return c.Skipped != nil }

// IsPassed reports a case with no failure, error or skip marker
func (c TestCase) IsPassed() bool {
	return !c.IsFailed() && !c.IsError() && !c.IsSkipped()
}

// Detail returns the failure detail, falling back to the error detail
func (c TestCase) Detail() *Failure {
	if c.Failure != nil {
		return c.Failure
	}
	return c.Error
}

// TestSuite maps the <testsuite> root of one per-class report file
type TestSuite struct {
	Name      string     `xml:"name,attr"`
	Tests     int        `xml:"tests,attr"`
	Failures  int        `xml:"failures,attr"`
	Errors    int        `xml:"errors,attr"`
	Skipped   int        `xml:"skipped,attr"`
	Time      Seconds    `xml:"time,attr"`
	TestCases []TestCase `xml:"testcase"`
}

// Passed is tests minus failures, errors and skips
func (s TestSuite) Passed() int {
	return s.Tests - s.Failures - s.Errors - s.Skipped
}
